package rollout

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"

	"conductor/internal/apperrors"
	"conductor/internal/cluster"
)

// AnyVersion as a source version matches every tag of the repository.
const AnyVersion = "*"

// ImageUpdate moves containers of repository Name from version From to
// version To.
type ImageUpdate struct {
	Name string `json:"name"`
	From string `json:"from"`
	To   string `json:"to"`
}

// UnmarshalText parses the shorthand "repository:from->to". A repository
// without a source tag, or with ":*", matches any version.
func (u *ImageUpdate) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	left, to, ok := strings.Cut(s, "->")
	if !ok {
		return fmt.Errorf("image update %q: expected repository:from->to", s)
	}
	left, to = strings.TrimSpace(left), strings.TrimSpace(to)

	from := AnyVersion
	if trimmed, found := strings.CutSuffix(left, ":"+AnyVersion); found {
		left = trimmed
	} else {
		named, err := reference.ParseNormalizedNamed(left)
		if err != nil {
			return fmt.Errorf("image update %q: %w", s, err)
		}
		if tagged, ok := named.(reference.Tagged); ok {
			from = tagged.Tag()
		}
		left = reference.FamiliarName(named)
	}

	*u = ImageUpdate{Name: left, From: from, To: to}
	return nil
}

// String returns the shorthand form.
func (u ImageUpdate) String() string {
	return u.Name + ":" + u.From + "->" + u.To
}

// ImagesForUpdate is an immutable, validated set of image updates.
type ImagesForUpdate struct {
	updates []ImageUpdate
}

// NewImagesForUpdate validates updates and normalizes repository names.
// An empty From means any version.
func NewImagesForUpdate(updates ...ImageUpdate) (ImagesForUpdate, error) {
	if len(updates) == 0 {
		return ImagesForUpdate{}, apperrors.Validation("images", "at least one image update is required")
	}

	seen := make(map[string]bool, len(updates))
	out := make([]ImageUpdate, 0, len(updates))
	for _, u := range updates {
		if u.Name == "" {
			return ImagesForUpdate{}, apperrors.Validation("images", "image name is required")
		}
		name, err := cluster.NormalizeRepository(u.Name)
		if err != nil {
			return ImagesForUpdate{}, apperrors.Validation("images", err.Error())
		}
		if u.From == "" {
			u.From = AnyVersion
		}
		if u.To == "" {
			return ImagesForUpdate{}, apperrors.Validation("images", fmt.Sprintf("%s: target version is required", name))
		}
		if _, err := cluster.Retag(name, u.To); err != nil {
			return ImagesForUpdate{}, apperrors.Validation("images", fmt.Sprintf("%s: invalid target version %q", name, u.To))
		}
		if u.From == u.To {
			return ImagesForUpdate{}, apperrors.Validation("images", fmt.Sprintf("%s: source and target version are both %q", name, u.To))
		}
		u.Name = name

		key := u.Name + ":" + u.From
		if seen[key] {
			return ImagesForUpdate{}, apperrors.Validation("images", fmt.Sprintf("duplicate update for %s", key))
		}
		seen[key] = true
		out = append(out, u)
	}
	return ImagesForUpdate{updates: out}, nil
}

// Updates returns a copy of the updates.
func (s ImagesForUpdate) Updates() []ImageUpdate {
	return append([]ImageUpdate(nil), s.updates...)
}

// Len returns the number of updates.
func (s ImagesForUpdate) Len() int { return len(s.updates) }

// Match returns the update that applies to a container running image. An
// exact source version wins over a wildcard.
func (s ImagesForUpdate) Match(image string) (ImageUpdate, bool) {
	repo, tag, err := cluster.ParseImage(image)
	if err != nil {
		return ImageUpdate{}, false
	}
	var wildcard *ImageUpdate
	for i, u := range s.updates {
		if u.Name != repo {
			continue
		}
		if u.From == tag {
			return u, true
		}
		if u.From == AnyVersion && wildcard == nil {
			wildcard = &s.updates[i]
		}
	}
	if wildcard != nil {
		return *wildcard, true
	}
	return ImageUpdate{}, false
}
