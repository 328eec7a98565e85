package database

import (
	"context"

	"task-sync-backend/pkg/models"
)

// ProfilesByUser loads the profiles of userIDs keyed by user id. Users without a profile are absent.
func ProfilesByUser(ctx context.Context, db DatabaseInterface, userIDs []string) (map[string]*models.Profile, error) {
	out := make(map[string]*models.Profile, len(userIDs))
	ids := uniqueStrings(userIDs)
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.Profile
	if err := db.Select(ctx, Query{
		Table:   TableProfiles,
		Filters: []Filter{In("user_id", ids)},
	}, &rows); err != nil {
		return nil, err
	}
	for i := range rows {
		out[rows[i].UserID] = &rows[i]
	}
	return out, nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
