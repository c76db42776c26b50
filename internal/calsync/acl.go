package calsync

import (
	"context"
	"fmt"
	"log"
	"strings"

	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/calsync/internal/gcal"
	"gitea.jw6.us/james/calsync/internal/store"
)

// ACLResult reports an ACL pass.
type ACLResult struct {
	Skipped       bool `json:"skipped"`
	Granted       int  `json:"granted"`
	AlreadyShared int  `json:"alreadyShared"`
	Failed        int  `json:"failed"`
}

var roleRank = map[string]int{
	"none":           0,
	"freeBusyReader": 1,
	"reader":         2,
	"writer":         3,
	"owner":          4,
}

// shareCalendar grants every accepted collaborator the configured role on
// the active calendar. A recent pass with the same role and no newer
// collaborators makes it a no-op. The verification time and role are only
// recorded when every grant succeeded; a failed grant leaves the window
// open so the next run retries it instead of waiting out the window.
func (e *Engine) shareCalendar(ctx context.Context, sess *session) (ACLResult, error) {
	cred := sess.cred
	role := e.settings.ACLRole
	now := e.now()

	collaborators, err := e.repos.Collaborators.ListAccepted(ctx, cred.UserID)
	if err != nil {
		return ACLResult{}, fmt.Errorf("list collaborators: %w", err)
	}

	if cred.ACLVerifiedAt != nil && deref(cred.ACLRole) == role &&
		now.Sub(*cred.ACLVerifiedAt) < e.settings.ACLRevalidate {
		fresh := false
		for _, c := range collaborators {
			if c.AcceptedAt.After(*cred.ACLVerifiedAt) {
				fresh = true
				break
			}
		}
		if !fresh {
			return ACLResult{Skipped: true}, nil
		}
	}

	var res ACLResult
	desired := distinctEmails(collaborators)
	if len(desired) > 0 {
		rules, err := sess.provider.ListACL(ctx, cred.CalendarID)
		if err != nil {
			e.checkAuth(ctx, sess, err)
			return ACLResult{}, fmt.Errorf("list acl: %w", err)
		}
		current := make(map[string]string, len(rules))
		for _, r := range rules {
			if r.Scope == nil || r.Scope.Type != "user" {
				continue
			}
			email := strings.ToLower(r.Scope.Value)
			if roleRank[r.Role] > roleRank[current[email]] {
				current[email] = r.Role
			}
		}

		for _, email := range desired {
			if have, ok := current[email]; ok && roleRank[have] >= roleRank[role] {
				res.AlreadyShared++
				continue
			}
			rule := &calendar.AclRule{Role: role, Scope: &calendar.AclRuleScope{Type: "user", Value: email}}
			_, err := sess.provider.InsertACL(ctx, cred.CalendarID, rule)
			switch {
			case err == nil:
				res.Granted++
			case gcal.IsKind(err, gcal.KindConflict):
				res.AlreadyShared++
			default:
				res.Failed++
				log.Printf("[ERROR] acl grant failed user=%d calendar=%s email=%s kind=%s: %v",
					cred.UserID, cred.CalendarID, email, gcal.KindOf(err), err)
				sess.addError("", fmt.Errorf("grant %s: %w", email, err))
				if e.checkAuth(ctx, sess, err) {
					return res, nil
				}
			}
		}
	}

	sess.mu.Lock()
	sess.sum.Shared += res.Granted
	sess.mu.Unlock()

	// Failed grants leave the window closed so the next run retries them.
	if res.Failed > 0 {
		return res, nil
	}
	if err := e.repos.Credentials.SaveACLState(ctx, cred.UserID, role, now); err != nil {
		return res, fmt.Errorf("save acl state: %w", err)
	}
	cred.ACLRole = ptr(role)
	cred.ACLVerifiedAt = &now
	return res, nil
}

func distinctEmails(collaborators []store.Collaborator) []string {
	seen := make(map[string]bool, len(collaborators))
	var out []string
	for _, c := range collaborators {
		email := strings.ToLower(strings.TrimSpace(c.Email))
		if email == "" || seen[email] {
			continue
		}
		seen[email] = true
		out = append(out, email)
	}
	return out
}
