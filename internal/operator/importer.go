package operator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Operators []CreateInput `yaml:"operators"`
}

// ImportResult reports what an import changed.
type ImportResult struct {
	Created []string
	Skipped []string
}

// ImportYAML creates operators listed in a YAML document of the form
//
//	operators:
//	  - username: alice
//	    display_name: Alice
//	    password: ...
//
// Existing usernames are skipped, so the import can be re-run.
func (s *Service) ImportYAML(ctx context.Context, r io.Reader) (ImportResult, error) {
	var seed seedFile
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil {
		if errors.Is(err, io.EOF) {
			return ImportResult{}, nil
		}
		return ImportResult{}, fmt.Errorf("decode operators yaml: %w", err)
	}
	var result ImportResult
	for _, item := range seed.Operators {
		op, err := s.Create(ctx, item)
		if errors.Is(err, ErrUsernameTaken) {
			result.Skipped = append(result.Skipped, item.Username)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("import %q: %w", item.Username, err)
		}
		result.Created = append(result.Created, op.Username)
	}
	s.logger.Info("operators imported", slog.Int("created", len(result.Created)), slog.Int("skipped", len(result.Skipped)))
	return result, nil
}
