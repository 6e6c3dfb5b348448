package messaging

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
)

var NowFunc = time.Now // mockable

// Resolver maps "a conversation among the creator and these users" to a single conversation,
// creating it only when no matching direct conversation exists.
type Resolver struct {
	repo   Repository
	logger core.Logger
}

func NewResolver(repo Repository, logger core.Logger) *Resolver {
	return &Resolver{repo: repo, logger: logger}
}

// Resolve finds or creates the conversation between creatorID and nc.ParticipantIDs.
// Two members make a direct conversation (found again on later calls); more make a group.
func (r *Resolver) Resolve(ctx context.Context, creatorID string, nc NewConversation) (Resolution, error) {
	creatorID = core.CleanString(creatorID)
	if creatorID == "" {
		return Resolution{}, validationErr(ErrMissingSender, "creator_id")
	}
	nc.Clean()
	if len(nc.ParticipantIDs) == 0 {
		return Resolution{}, validationErr(ErrNoParticipants, "participant_ids")
	}

	members := dedupe(append([]string{creatorID}, nc.ParticipantIDs...))
	if len(members) < 2 {
		return Resolution{}, validationErr(ErrSelfConversation, "participant_ids")
	}

	conv := Conversation{
		Kind:           KindGroup,
		CreatorID:      creatorID,
		ParticipantIDs: members,
		CreatedAt:      NowFunc().UTC(),
	}
	if len(members) == 2 {
		conv.Kind = KindDirect
		found, ok, err := r.findDirect(ctx, members[0], members[1])
		if err != nil {
			return Resolution{}, err
		}
		if ok {
			return Resolution{Conversation: found}, nil
		}
	} else if nc.Name != "" {
		name := nc.Name
		conv.Name = &name
	}

	created, err := r.repo.CreateConversation(ctx, conv)
	if err != nil {
		if errors.Cause(err) != ErrDirectExists {
			return Resolution{}, storeErr(err, "creating conversation")
		}
		// lost a concurrent create for the same pair: return the winner
		found, ok, fErr := r.findDirect(ctx, members[0], members[1])
		if fErr != nil {
			return Resolution{}, fErr
		}
		if !ok {
			return Resolution{}, &StoreError{Op: "finding direct conversation", Err: err}
		}
		return Resolution{Conversation: found}, nil
	}
	return Resolution{Conversation: created, Created: true}, nil
}

// findDirect looks for the direct conversation of a and b: among the conversations both are
// members of, the one whose kind is direct.
func (r *Resolver) findDirect(ctx context.Context, a, b string) (Conversation, bool, error) {
	memberships, err := r.repo.QueryParticipants(ctx, []string{a, b})
	if err != nil {
		return Conversation{}, false, storeErr(err, "querying participants")
	}

	counts := make(map[string]map[string]struct{})
	for _, m := range memberships {
		if m.UserID != a && m.UserID != b {
			continue
		}
		if counts[m.ConversationID] == nil {
			counts[m.ConversationID] = make(map[string]struct{}, 2)
		}
		counts[m.ConversationID][m.UserID] = struct{}{}
	}

	candidates := make([]string, 0, len(counts))
	for convID, members := range counts {
		if len(members) == 2 {
			candidates = append(candidates, convID)
		}
	}
	sort.Strings(candidates)

	for _, convID := range candidates {
		conv, err := r.repo.GetConversation(ctx, convID)
		if err != nil {
			if errors.Cause(err) == ErrConversationNotFound {
				continue
			}
			return Conversation{}, false, storeErr(err, "getting conversation")
		}
		// a group holding both users is not their direct conversation
		if conv.Kind == KindDirect {
			return conv, true, nil
		}
	}
	return Conversation{}, false, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
