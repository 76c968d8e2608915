package source

import (
	"fmt"

	"platfoxbot/internal/domain"
)

const catalogKindPhoto = "photo"

// CatalogMedia is one entry of the media catalog that comes with a timeline response.
type CatalogMedia struct {
	Kind     string
	URL      string
	Variants []Variant
}

// Variant is one rendition of a video. Bitrate is nil for renditions
// without a declared bitrate, e.g. adaptive playlists.
type Variant struct {
	Bitrate *uint32
	URL     string
}

type Catalog map[string]CatalogMedia

// ResolveMedia picks the concrete URL for the attachment referenced by key.
// Photos use their direct URL. Any other kind uses the variant with the highest
// declared bitrate; variants without a bitrate rank below all others.
func ResolveMedia(key string, catalog Catalog) (domain.Media, error) {
	m, ok := catalog[key]
	if !ok {
		return domain.Media{}, fmt.Errorf("media key %q is missing from catalog", key)
	}

	if m.Kind == catalogKindPhoto {
		if m.URL == "" {
			return domain.Media{}, fmt.Errorf("photo %q has no URL", key)
		}

		return domain.Photo(m.URL), nil
	}

	best, ok := bestVariant(m.Variants)
	if !ok {
		return domain.Media{}, fmt.Errorf("%s %q has no variants", m.Kind, key)
	}

	return domain.Video(best.URL), nil
}

func ResolveAll(keys []string, catalog Catalog) ([]domain.Media, error) {
	media := make([]domain.Media, 0, len(keys))

	for _, key := range keys {
		m, err := ResolveMedia(key, catalog)
		if err != nil {
			return nil, err
		}

		media = append(media, m)
	}

	return media, nil
}

// bestVariant returns the last variant among those with the highest bitrate.
func bestVariant(variants []Variant) (Variant, bool) {
	if len(variants) == 0 {
		return Variant{}, false
	}

	best := variants[0]
	for _, v := range variants[1:] {
		if !bitrateLess(v.Bitrate, best.Bitrate) {
			best = v
		}
	}

	return best, best.URL != ""
}

func bitrateLess(a *uint32, b *uint32) bool {
	switch {
	case a == nil:
		return b != nil
	case b == nil:
		return false
	default:
		return *a < *b
	}
}
