package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// credentialRepo implements CredentialRepository.
type credentialRepo struct {
	pool   dbtx
	sealer TokenSealer
}

const credentialColumns = `user_id, access_token, refresh_token, token_type, scope, token_expiry,
calendar_id, sync_token, last_pulled_at,
managed_calendar_id, managed_calendar_name, managed_state, acl_verified_at, acl_role, legacy_calendar_id,
needs_reauth, reauth_reason, authorized_at, updated_at`

func (r *credentialRepo) Get(ctx context.Context, userID int64) (*Credential, error) {
	defer observeDB(ctx, "credentials.get")()

	row := r.pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM calendar_credentials WHERE user_id=$1`, userID)
	var (
		c            Credential
		sealedAccess string
		sealedRefr   string
		state        string
	)
	err := row.Scan(&c.UserID, &sealedAccess, &sealedRefr, &c.TokenType, &c.Scope, &c.Expiry,
		&c.CalendarID, &c.SyncToken, &c.LastPulledAt,
		&c.ManagedCalendarID, &c.ManagedCalendarName, &state, &c.ACLVerifiedAt, &c.ACLRole, &c.LegacyCalendarID,
		&c.NeedsReauth, &c.ReauthReason, &c.AuthorizedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	c.ManagedState = ManagedState(state)

	if c.AccessToken, err = r.open(sealedAccess); err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	if c.RefreshToken, err = r.open(sealedRefr); err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}
	return &c, nil
}

func (r *credentialRepo) ListSyncable(ctx context.Context) ([]int64, error) {
	defer observeDB(ctx, "credentials.list_syncable")()

	rows, err := r.pool.Query(ctx, `SELECT user_id FROM calendar_credentials
WHERE needs_reauth = FALSE AND refresh_token <> '' ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list syncable credentials: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan credential id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *credentialRepo) SaveAuthorization(ctx context.Context, userID int64, auth AuthorizationUpdate) error {
	defer observeDB(ctx, "credentials.save_authorization")()

	access, refresh, err := r.sealPair(auth)
	if err != nil {
		return err
	}
	const q = `INSERT INTO calendar_credentials (user_id, access_token, refresh_token, token_type, scope, token_expiry, authorized_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
ON CONFLICT (user_id) DO UPDATE SET
	access_token = EXCLUDED.access_token,
	refresh_token = CASE WHEN EXCLUDED.refresh_token = '' THEN calendar_credentials.refresh_token ELSE EXCLUDED.refresh_token END,
	token_type = EXCLUDED.token_type,
	scope = EXCLUDED.scope,
	token_expiry = EXCLUDED.token_expiry,
	needs_reauth = FALSE,
	reauth_reason = NULL,
	authorized_at = NOW(),
	updated_at = NOW()`
	if _, err := r.pool.Exec(ctx, q, userID, access, refresh, auth.TokenType, auth.Scope, auth.Expiry); err != nil {
		return fmt.Errorf("save authorization: %w", err)
	}
	return nil
}

func (r *credentialRepo) UpdateTokens(ctx context.Context, userID int64, auth AuthorizationUpdate) error {
	defer observeDB(ctx, "credentials.update_tokens")()

	access, refresh, err := r.sealPair(auth)
	if err != nil {
		return err
	}
	const q = `UPDATE calendar_credentials SET
	access_token = $2,
	refresh_token = CASE WHEN $3 = '' THEN refresh_token ELSE $3 END,
	token_type = $4,
	token_expiry = $5,
	updated_at = NOW()
WHERE user_id = $1`
	if _, err := r.pool.Exec(ctx, q, userID, access, refresh, auth.TokenType, auth.Expiry); err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	return nil
}

// SaveSyncCursor stores the cursor only while calendarID is still the active
// calendar, so a cursor is never attached to a different calendar.
func (r *credentialRepo) SaveSyncCursor(ctx context.Context, userID int64, calendarID, syncToken string, pulledAt time.Time) error {
	defer observeDB(ctx, "credentials.save_cursor")()

	tag, err := r.pool.Exec(ctx, `UPDATE calendar_credentials
SET sync_token = $3, last_pulled_at = $4, updated_at = NOW()
WHERE user_id = $1 AND calendar_id = $2`, userID, calendarID, syncToken, pulledAt)
	if err != nil {
		return fmt.Errorf("save sync cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *credentialRepo) ResetSyncCursor(ctx context.Context, userID int64) error {
	defer observeDB(ctx, "credentials.reset_cursor")()

	if _, err := r.pool.Exec(ctx, `UPDATE calendar_credentials
SET sync_token = NULL, last_pulled_at = NULL, updated_at = NOW()
WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("reset sync cursor: %w", err)
	}
	return nil
}

// ApplyManagedCalendar records the resolved managed calendar and re-points
// links that were never pushed, in one transaction. The cursor is dropped
// when the active calendar changes.
func (r *credentialRepo) ApplyManagedCalendar(ctx context.Context, userID int64, update ManagedCalendarUpdate) error {
	defer observeDB(ctx, "credentials.apply_managed_calendar")()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin managed calendar update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const credQ = `UPDATE calendar_credentials SET
	sync_token = CASE WHEN calendar_id = $2 THEN sync_token ELSE NULL END,
	last_pulled_at = CASE WHEN calendar_id = $2 THEN last_pulled_at ELSE NULL END,
	calendar_id = $2,
	managed_calendar_id = $2,
	managed_calendar_name = $3,
	managed_state = 'active',
	legacy_calendar_id = COALESCE($4, legacy_calendar_id),
	updated_at = NOW()
WHERE user_id = $1`
	tag, err := tx.Exec(ctx, credQ, userID, update.CalendarID, update.Name, update.LegacyCalendarID)
	if err != nil {
		return fmt.Errorf("update managed calendar: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	const linkQ = `UPDATE calendar_sync_links SET calendar_id = $2, updated_at = NOW()
WHERE user_id = $1 AND event_id IS NULL AND calendar_id <> $2`
	if _, err := tx.Exec(ctx, linkQ, userID, update.CalendarID); err != nil {
		return fmt.Errorf("repoint unpushed links: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit managed calendar update: %w", err)
	}
	return nil
}

func (r *credentialRepo) SaveACLState(ctx context.Context, userID int64, role string, verifiedAt time.Time) error {
	defer observeDB(ctx, "credentials.save_acl_state")()

	if _, err := r.pool.Exec(ctx, `UPDATE calendar_credentials
SET acl_role = $2, acl_verified_at = $3, updated_at = NOW()
WHERE user_id = $1`, userID, role, verifiedAt); err != nil {
		return fmt.Errorf("save acl state: %w", err)
	}
	return nil
}

func (r *credentialRepo) MarkNeedsReauth(ctx context.Context, userID int64, reason string) error {
	defer observeDB(ctx, "credentials.mark_needs_reauth")()

	if _, err := r.pool.Exec(ctx, `UPDATE calendar_credentials
SET needs_reauth = TRUE, reauth_reason = $2, updated_at = NOW()
WHERE user_id = $1`, userID, reason); err != nil {
		return fmt.Errorf("mark needs reauth: %w", err)
	}
	return nil
}

func (r *credentialRepo) sealPair(auth AuthorizationUpdate) (string, string, error) {
	access, err := r.seal(auth.AccessToken)
	if err != nil {
		return "", "", fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := r.seal(auth.RefreshToken)
	if err != nil {
		return "", "", fmt.Errorf("seal refresh token: %w", err)
	}
	return access, refresh, nil
}

func (r *credentialRepo) seal(v string) (string, error) {
	if v == "" || r.sealer == nil {
		return v, nil
	}
	return r.sealer.Seal(v)
}

func (r *credentialRepo) open(v string) (string, error) {
	if v == "" || r.sealer == nil {
		return v, nil
	}
	return r.sealer.Open(v)
}

// syncLinkRepo implements SyncLinkRepository.
type syncLinkRepo struct {
	pool dbtx
}

const linkColumns = `item_id, user_id, item_type, calendar_id, event_id, etag, last_synced_at, last_direction,
local_hash, remote_updated_at, status, last_error, updated_at`

func scanLink(row pgx.Row) (*SyncLink, error) {
	var (
		l         SyncLink
		itemType  string
		direction *string
		status    string
	)
	if err := row.Scan(&l.ItemID, &l.UserID, &itemType, &l.CalendarID, &l.EventID, &l.ETag, &l.LastSyncedAt, &direction,
		&l.LocalHash, &l.RemoteUpdatedAt, &status, &l.LastError, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.ItemType = ItemType(itemType)
	l.Status = LinkStatus(status)
	if direction != nil {
		d := SyncDirection(*direction)
		l.LastDirection = &d
	}
	return &l, nil
}

func (r *syncLinkRepo) Get(ctx context.Context, itemID string) (*SyncLink, error) {
	defer observeDB(ctx, "links.get")()

	l, err := scanLink(r.pool.QueryRow(ctx, `SELECT `+linkColumns+` FROM calendar_sync_links WHERE item_id=$1`, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load sync link: %w", err)
	}
	return l, nil
}

func (r *syncLinkRepo) GetByEventID(ctx context.Context, userID int64, eventID string) (*SyncLink, error) {
	defer observeDB(ctx, "links.get_by_event")()

	l, err := scanLink(r.pool.QueryRow(ctx, `SELECT `+linkColumns+` FROM calendar_sync_links
WHERE user_id=$1 AND event_id=$2 LIMIT 1`, userID, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load sync link by event: %w", err)
	}
	return l, nil
}

func (r *syncLinkRepo) ListPending(ctx context.Context, userID int64) ([]SyncLink, error) {
	defer observeDB(ctx, "links.list_pending")()

	return r.list(ctx, `SELECT `+linkColumns+` FROM calendar_sync_links
WHERE user_id=$1 AND status IN ('pending', 'error') ORDER BY updated_at, item_id`, userID)
}

func (r *syncLinkRepo) ListOutsideCalendar(ctx context.Context, userID int64, calendarID string) ([]SyncLink, error) {
	defer observeDB(ctx, "links.list_outside_calendar")()

	return r.list(ctx, `SELECT `+linkColumns+` FROM calendar_sync_links
WHERE user_id=$1 AND calendar_id <> $2 ORDER BY item_id`, userID, calendarID)
}

func (r *syncLinkRepo) list(ctx context.Context, q string, args ...any) ([]SyncLink, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync links: %w", err)
	}
	defer rows.Close()

	var links []SyncLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync link: %w", err)
		}
		links = append(links, *l)
	}
	return links, rows.Err()
}

func (r *syncLinkRepo) CountByStatus(ctx context.Context, userID int64) (map[LinkStatus]int, error) {
	defer observeDB(ctx, "links.count_by_status")()

	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM calendar_sync_links WHERE user_id=$1 GROUP BY status`, userID)
	if err != nil {
		return nil, fmt.Errorf("count sync links: %w", err)
	}
	defer rows.Close()

	counts := make(map[LinkStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan link count: %w", err)
		}
		counts[LinkStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *syncLinkRepo) MarkPending(ctx context.Context, userID int64, itemID string, itemType ItemType, calendarID string) error {
	defer observeDB(ctx, "links.mark_pending")()

	const q = `INSERT INTO calendar_sync_links (item_id, user_id, item_type, calendar_id, status, updated_at)
VALUES ($1, $2, $3, $4, 'pending', NOW())
ON CONFLICT (item_id) DO UPDATE SET status = 'pending', last_error = NULL, updated_at = NOW()`
	if _, err := r.pool.Exec(ctx, q, itemID, userID, string(itemType), calendarID); err != nil {
		return fmt.Errorf("mark item pending: %w", err)
	}
	return nil
}

func (r *syncLinkRepo) Save(ctx context.Context, l SyncLink) error {
	defer observeDB(ctx, "links.save")()

	var direction *string
	if l.LastDirection != nil {
		d := string(*l.LastDirection)
		direction = &d
	}
	const q = `INSERT INTO calendar_sync_links (item_id, user_id, item_type, calendar_id, event_id, etag, last_synced_at,
	last_direction, local_hash, remote_updated_at, status, last_error, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
ON CONFLICT (item_id) DO UPDATE SET
	calendar_id = EXCLUDED.calendar_id,
	event_id = EXCLUDED.event_id,
	etag = EXCLUDED.etag,
	last_synced_at = EXCLUDED.last_synced_at,
	last_direction = EXCLUDED.last_direction,
	local_hash = EXCLUDED.local_hash,
	remote_updated_at = EXCLUDED.remote_updated_at,
	status = EXCLUDED.status,
	last_error = EXCLUDED.last_error,
	updated_at = NOW()`
	if _, err := r.pool.Exec(ctx, q, l.ItemID, l.UserID, string(l.ItemType), l.CalendarID, l.EventID, l.ETag, l.LastSyncedAt,
		direction, l.LocalHash, l.RemoteUpdatedAt, string(l.Status), l.LastError); err != nil {
		return fmt.Errorf("save sync link: %w", err)
	}
	return nil
}

func (r *syncLinkRepo) MarkError(ctx context.Context, itemID, message string) error {
	defer observeDB(ctx, "links.mark_error")()

	if _, err := r.pool.Exec(ctx, `UPDATE calendar_sync_links
SET status = 'error', last_error = $2, updated_at = NOW() WHERE item_id = $1`, itemID, message); err != nil {
		return fmt.Errorf("mark link error: %w", err)
	}
	return nil
}

// MarkConflict keeps the link pending and records why the push yielded.
func (r *syncLinkRepo) MarkConflict(ctx context.Context, itemID, message string) error {
	defer observeDB(ctx, "links.mark_conflict")()

	if _, err := r.pool.Exec(ctx, `UPDATE calendar_sync_links
SET status = 'pending', last_error = $2, updated_at = NOW() WHERE item_id = $1`, itemID, message); err != nil {
		return fmt.Errorf("mark link conflict: %w", err)
	}
	return nil
}

func (r *syncLinkRepo) ClearEvent(ctx context.Context, itemID string) error {
	defer observeDB(ctx, "links.clear_event")()

	if _, err := r.pool.Exec(ctx, `UPDATE calendar_sync_links
SET event_id = NULL, etag = NULL, local_hash = NULL, remote_updated_at = NULL, status = 'pending', updated_at = NOW()
WHERE item_id = $1`, itemID); err != nil {
		return fmt.Errorf("clear link event: %w", err)
	}
	return nil
}

func (r *syncLinkRepo) Delete(ctx context.Context, itemID string) error {
	defer observeDB(ctx, "links.delete")()

	if _, err := r.pool.Exec(ctx, `DELETE FROM calendar_sync_links WHERE item_id = $1`, itemID); err != nil {
		return fmt.Errorf("delete sync link: %w", err)
	}
	return nil
}

// itemRepo implements ItemRepository.
type itemRepo struct {
	pool dbtx
}

// GetLinkedItem returns the appointment or bill with the given id, or
// ErrNotFound when neither exists.
func (r *itemRepo) GetLinkedItem(ctx context.Context, itemID string) (Schedulable, error) {
	defer observeDB(ctx, "items.get")()

	var a Appointment
	err := r.pool.QueryRow(ctx, `SELECT id, user_id, title, notes, location, starts_at, ends_at, time_zone, status,
	assigned_collaborator, created_at, updated_at FROM appointments WHERE id=$1`, itemID).
		Scan(&a.ID, &a.UserID, &a.Title, &a.Notes, &a.Location, &a.StartsAt, &a.EndsAt, &a.TimeZone, &a.Status,
			&a.AssignedCollaborator, &a.CreatedAt, &a.UpdatedAt)
	if err == nil {
		return &a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	var b Bill
	err = r.pool.QueryRow(ctx, `SELECT id, user_id, payee, notes, amount_cents, currency, due_date, status,
	assigned_collaborator, created_at, updated_at FROM bills WHERE id=$1`, itemID).
		Scan(&b.ID, &b.UserID, &b.Payee, &b.Notes, &b.AmountCents, &b.Currency, &b.DueDate, &b.Status,
			&b.AssignedCollaborator, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load bill: %w", err)
	}
	return &b, nil
}

func (r *itemRepo) SaveAppointment(ctx context.Context, a *Appointment) error {
	defer observeDB(ctx, "items.save_appointment")()

	err := r.pool.QueryRow(ctx, `UPDATE appointments SET title=$2, notes=$3, location=$4, starts_at=$5, ends_at=$6,
	time_zone=$7, status=$8, updated_at=NOW() WHERE id=$1 RETURNING updated_at`,
		a.ID, a.Title, a.Notes, a.Location, a.StartsAt, a.EndsAt, a.TimeZone, a.Status).Scan(&a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("save appointment: %w", err)
	}
	return nil
}

func (r *itemRepo) SaveBill(ctx context.Context, b *Bill) error {
	defer observeDB(ctx, "items.save_bill")()

	err := r.pool.QueryRow(ctx, `UPDATE bills SET payee=$2, notes=$3, due_date=$4, status=$5, updated_at=NOW()
WHERE id=$1 RETURNING updated_at`, b.ID, b.Payee, b.Notes, b.DueDate, b.Status).Scan(&b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("save bill: %w", err)
	}
	return nil
}

// collaboratorRepo implements CollaboratorRepository.
type collaboratorRepo struct {
	pool dbtx
}

func (r *collaboratorRepo) ListAccepted(ctx context.Context, userID int64) ([]Collaborator, error) {
	defer observeDB(ctx, "collaborators.list_accepted")()

	rows, err := r.pool.Query(ctx, `SELECT DISTINCT ON (LOWER(email)) LOWER(email), accepted_at
FROM collaborator_grants
WHERE owner_user_id=$1 AND status='accepted' AND email <> ''
ORDER BY LOWER(email), accepted_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	var out []Collaborator
	for rows.Next() {
		var c Collaborator
		if err := rows.Scan(&c.Email, &c.AcceptedAt); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
