// Package router translates a diff result into transfer task descriptors,
// filtered by what a peer is allowed to access.
package router

import "github.com/keymesh/keymesh/internal/diffengine"

// TaskDescriptor is one file a peer should receive, before it is enqueued
// on the transfer engine.
type TaskDescriptor struct {
	PeerID       string
	Share        string
	RelativePath string
	Mode         string
}

// PlanTransfers builds push tasks for every added or modified path in each
// share's diff result, skipping shares the peer isn't allowed to access.
// Deletions never generate a transfer task; propagating them is a separate,
// share-level decision (delete_propagation) made by the caller.
func PlanTransfers(peerID string, diffByShare map[string]diffengine.Result, allowedShares []string) []TaskDescriptor {
	allowed := make(map[string]bool, len(allowedShares))
	for _, s := range allowedShares {
		allowed[s] = true
	}

	var tasks []TaskDescriptor
	for share, result := range diffByShare {
		if !allowed[share] {
			continue
		}
		candidates := append(append([]string{}, result.Added...), result.Modified...)
		for _, rel := range candidates {
			tasks = append(tasks, TaskDescriptor{
				PeerID:       peerID,
				Share:        share,
				RelativePath: rel,
				Mode:         "push",
			})
		}
	}
	return tasks
}
