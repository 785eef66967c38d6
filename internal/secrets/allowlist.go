package secrets

import (
	"fmt"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allowlist excludes matches from detection. The file format is the
// gitleaks one:
//
//	[allowlist]
//	regexes = ['''example\.com''']
//	stopwords = ["EXAMPLEKEY"]
type Allowlist struct {
	Paths     []string
	Regexes   []string
	StopWords []string
}

// LoadAllowlist reads and validates an allowlist file.
func LoadAllowlist(path string) (*Allowlist, error) {
	var file struct {
		Allowlist struct {
			Paths     []string `toml:"paths"`
			Regexes   []string `toml:"regexes"`
			StopWords []string `toml:"stopwords"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, group := range [][]string{file.Allowlist.Paths, file.Allowlist.Regexes} {
		for _, p := range group {
			if _, err := regexp.Compile(p); err != nil {
				return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, p, path, err)
			}
		}
	}

	return &Allowlist{
		Paths:     file.Allowlist.Paths,
		Regexes:   file.Allowlist.Regexes,
		StopWords: file.Allowlist.StopWords,
	}, nil
}
