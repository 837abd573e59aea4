// Package dump writes a full snapshot of every storage tier to a JSON file,
// for inspecting what the service has actually retained.
package dump

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/memento-project/memento/internal/bundle"
	"github.com/memento-project/memento/internal/models"
)

// DefaultPath is where WriteAll puts the snapshot.
const DefaultPath = "dump.json"

type collDump struct {
	Coll string          `json:"coll"`
	Mems []models.Memory `json:"mems"`
}

type userDump struct {
	User string          `json:"user"`
	Mems []models.Memory `json:"mems"`
}

type userCollDump struct {
	Coll  string     `json:"coll"`
	Users []userDump `json:"users"`
}

type snapshot struct {
	STM   []collDump     `json:"stm"`
	LTM   []collDump     `json:"ltm"`
	Users []userCollDump `json:"users"`
}

// WriteAll walks every collection of every tier, oldest first, and writes
// the snapshot to path.
func WriteAll(ctx context.Context, dbs *bundle.Bundle, path string, logger *slog.Logger) error {
	snap := snapshot{STM: []collDump{}, LTM: []collDump{}, Users: []userCollDump{}}

	shortColls, err := dbs.ShortTerm.CollectionNames(ctx)
	if err != nil {
		return fmt.Errorf("listing short-term collections: %w", err)
	}
	for _, coll := range shortColls {
		mems, err := dbs.ShortTerm.PeekOldest(ctx, coll, -1)
		if err != nil {
			return fmt.Errorf("dumping short-term %s: %w", coll, err)
		}
		snap.STM = append(snap.STM, collDump{Coll: coll, Mems: orEmpty(mems)})
	}

	longColls, err := dbs.LongTerm.CollectionNames(ctx)
	if err != nil {
		return fmt.Errorf("listing long-term collections: %w", err)
	}
	for _, coll := range longColls {
		mems, err := dbs.LongTerm.PeekOldest(ctx, coll, -1)
		if err != nil {
			return fmt.Errorf("dumping long-term %s: %w", coll, err)
		}
		snap.LTM = append(snap.LTM, collDump{Coll: coll, Mems: orEmpty(mems)})
	}

	userColls, err := dbs.Users.CollectionNames()
	if err != nil {
		return fmt.Errorf("listing user log collections: %w", err)
	}
	for _, coll := range userColls {
		users, err := dbs.Users.Users(coll)
		if err != nil {
			return fmt.Errorf("listing users of %s: %w", coll, err)
		}
		cd := userCollDump{Coll: coll, Users: []userDump{}}
		for _, user := range users {
			mems, err := dbs.Users.Query(coll, user, -1)
			if err != nil {
				return fmt.Errorf("dumping user log %s/%s: %w", coll, user, err)
			}
			cd.Users = append(cd.Users, userDump{User: user, Mems: orEmpty(mems)})
		}
		snap.Users = append(snap.Users, cd)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling dump: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing dump: %w", err)
	}
	logger.Info("wrote storage dump", "path", path,
		"stm_collections", len(snap.STM), "ltm_collections", len(snap.LTM), "user_collections", len(snap.Users))
	return nil
}

func orEmpty(mems []models.Memory) []models.Memory {
	if mems == nil {
		return []models.Memory{}
	}
	return mems
}
