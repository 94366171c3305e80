package app

import (
	"context"
	"errors"

	"github.com/openfroyo/labctl/pkg/engine"
)

// LabSources resolves a lab from the first source that knows it. The file
// catalog comes first so that edited files win over imported rows.
type LabSources []engine.LabSource

var _ engine.LabSource = LabSources(nil)

// GetLab implements engine.LabSource.
func (s LabSources) GetLab(ctx context.Context, labID string) (*engine.LabConfiguration, error) {
	for _, src := range s {
		lab, err := src.GetLab(ctx, labID)
		if err == nil {
			return lab, nil
		}
		if !errors.Is(err, engine.ErrNotFound) {
			return nil, err
		}
	}
	return nil, engine.NewNotFoundError("lab", labID)
}
