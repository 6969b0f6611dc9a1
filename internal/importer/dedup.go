package importer

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ContactLookup finds contact values already stored for an owner
type ContactLookup interface {
	ExistingEmails(ctx context.Context, ownerID string, emails []string) (map[string]struct{}, error)
	ExistingChatIDs(ctx context.Context, ownerID string, chatIDs []string) (map[string]struct{}, error)
}

// DedupResult partitions candidates into new and duplicate, preserving
// input order in both
type DedupResult struct {
	New        []Candidate
	Duplicates []Candidate
}

func emailKey(v string) string { return "email:" + v }
func chatKey(v string) string  { return "chat:" + v }

// Deduplicate drops candidates whose email or chat id is already stored for
// the owner, or was claimed by an earlier candidate of the same batch.
// With enabled false every candidate is new and no lookup is made
func Deduplicate(ctx context.Context, lookup ContactLookup, ownerID string, cands []Candidate, enabled bool) (DedupResult, error) {
	if !enabled {
		return DedupResult{New: cands}, nil
	}

	seen, err := existingKeys(ctx, lookup, ownerID, cands)
	if err != nil {
		return DedupResult{}, err
	}

	var result DedupResult
	for _, c := range cands {
		if isSeen(seen, c) {
			result.Duplicates = append(result.Duplicates, c)
			continue
		}
		if c.Email != nil {
			seen[emailKey(*c.Email)] = struct{}{}
		}
		if c.ChatID != nil {
			seen[chatKey(*c.ChatID)] = struct{}{}
		}
		result.New = append(result.New, c)
	}

	return result, nil
}

func isSeen(seen map[string]struct{}, c Candidate) bool {
	if c.Email != nil {
		if _, ok := seen[emailKey(*c.Email)]; ok {
			return true
		}
	}
	if c.ChatID != nil {
		if _, ok := seen[chatKey(*c.ChatID)]; ok {
			return true
		}
	}
	return false
}

// existingKeys runs the email and chat id lookups concurrently and merges
// the results into one key set
func existingKeys(ctx context.Context, lookup ContactLookup, ownerID string, cands []Candidate) (map[string]struct{}, error) {
	emails := distinct(cands, func(c Candidate) *string { return c.Email })
	chatIDs := distinct(cands, func(c Candidate) *string { return c.ChatID })

	var existingEmails, existingChats map[string]struct{}

	g, gctx := errgroup.WithContext(ctx)
	if len(emails) > 0 {
		g.Go(func() error {
			found, err := lookup.ExistingEmails(gctx, ownerID, emails)
			if err != nil {
				return fmt.Errorf("email lookup: %w", err)
			}
			existingEmails = found
			return nil
		})
	}
	if len(chatIDs) > 0 {
		g.Go(func() error {
			found, err := lookup.ExistingChatIDs(gctx, ownerID, chatIDs)
			if err != nil {
				return fmt.Errorf("chat id lookup: %w", err)
			}
			existingChats = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(existingEmails)+len(existingChats)+len(cands))
	for v := range existingEmails {
		seen[emailKey(v)] = struct{}{}
	}
	for v := range existingChats {
		seen[chatKey(v)] = struct{}{}
	}
	return seen, nil
}

func distinct(cands []Candidate, get func(Candidate) *string) []string {
	set := make(map[string]struct{})
	var out []string
	for _, c := range cands {
		v := get(c)
		if v == nil {
			continue
		}
		if _, ok := set[*v]; ok {
			continue
		}
		set[*v] = struct{}{}
		out = append(out, *v)
	}
	return out
}
