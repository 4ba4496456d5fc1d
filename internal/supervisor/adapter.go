package supervisor

import (
	"context"

	"github.com/snarg/ipo-telemetry/internal/database"
	"github.com/snarg/ipo-telemetry/internal/resolver"
)

// resolverStore adapts *database.DB to resolver.Store: the two packages
// declare identically-shaped but distinct row types so resolver never
// imports database directly, so this adapter only converts between them.
type resolverStore struct {
	db *database.DB
}

func (s resolverStore) LoadAllAgents(ctx context.Context) ([]resolver.AgentRow, error) {
	rows, err := s.db.LoadAllAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]resolver.AgentRow, len(rows))
	for i, r := range rows {
		out[i] = resolver.AgentRow{
			AgentID:      r.AgentID,
			Extension:    r.Extension,
			DisplayName:  r.DisplayName,
			CurrentState: r.CurrentState,
		}
	}
	return out, nil
}

func (s resolverStore) LoadAgentMappings(ctx context.Context) ([]resolver.AgentMappingRow, error) {
	rows, err := s.db.LoadAgentMappings(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]resolver.AgentMappingRow, len(rows))
	for i, r := range rows {
		out[i] = resolver.AgentMappingRow{AgentID: r.AgentID, Extension: r.Extension}
	}
	return out, nil
}

func (s resolverStore) FindAgentByExtension(ctx context.Context, extension string) (resolver.AgentRow, bool, error) {
	r, ok, err := s.db.FindAgentByExtension(ctx, extension)
	if err != nil || !ok {
		return resolver.AgentRow{}, ok, err
	}
	return resolver.AgentRow{
		AgentID:      r.AgentID,
		Extension:    r.Extension,
		DisplayName:  r.DisplayName,
		CurrentState: r.CurrentState,
	}, true, nil
}

func (s resolverStore) InsertPlaceholderAgent(ctx context.Context, extension, displayName string) (int64, error) {
	return s.db.InsertPlaceholderAgent(ctx, extension, displayName)
}
