package cluster

import (
	"fmt"

	"github.com/distribution/reference"
)

// DefaultTag is the version of an image reference without a tag.
const DefaultTag = "latest"

// ParseImage splits an image reference into its familiar repository name
// ("nginx", "registry.example.com/team/app") and version tag.
func ParseImage(image string) (repository, tag string, err error) {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", "", fmt.Errorf("parse image %q: %w", image, err)
	}
	tag = DefaultTag
	if tagged, ok := named.(reference.Tagged); ok {
		tag = tagged.Tag()
	}
	return reference.FamiliarName(named), tag, nil
}

// Retag returns image with its tag replaced by tag. Any digest is dropped.
func Retag(image, tag string) (string, error) {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", fmt.Errorf("parse image %q: %w", image, err)
	}
	tagged, err := reference.WithTag(reference.TrimNamed(named), tag)
	if err != nil {
		return "", fmt.Errorf("tag %q: %w", tag, err)
	}
	return reference.FamiliarString(tagged), nil
}

// NormalizeRepository returns the familiar form of a repository name, so
// "docker.io/library/nginx" and "nginx" compare equal.
func NormalizeRepository(name string) (string, error) {
	named, err := reference.ParseNormalizedNamed(name)
	if err != nil {
		return "", fmt.Errorf("parse repository %q: %w", name, err)
	}
	return reference.FamiliarName(named), nil
}
