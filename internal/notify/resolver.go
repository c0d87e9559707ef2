package notify

import (
	"context"
	"fmt"

	"github.com/malitadji/fuelwatch/internal/stock"
)

// ResolveAudience expands a (station, product) pair into the deduplicated
// recipient sets: user IDs for in-app rows and non-empty device tokens for
// push. A device matched by several follows (say one scoped to the product
// and one global) contributes its token once. Order carries no meaning.
func ResolveAudience(ctx context.Context, reg Registry, stationID int64, product stock.Product) (Audience, error) {
	var a Audience

	userIDs, err := reg.ActiveUserFollows(ctx, stationID, product)
	if err != nil {
		return Audience{}, fmt.Errorf("resolve user follows: %w", err)
	}
	seenUsers := make(map[int64]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, ok := seenUsers[id]; ok {
			continue
		}
		seenUsers[id] = struct{}{}
		a.UserIDs = append(a.UserIDs, id)
	}

	targets, err := reg.ActiveDeviceFollows(ctx, stationID, product)
	if err != nil {
		return Audience{}, fmt.Errorf("resolve device follows: %w", err)
	}
	seenTokens := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		if t.Token == "" {
			continue
		}
		if _, ok := seenTokens[t.Token]; ok {
			continue
		}
		seenTokens[t.Token] = struct{}{}
		a.Tokens = append(a.Tokens, t.Token)
	}

	return a, nil
}
