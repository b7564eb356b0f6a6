//go:build sqlite

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"idmirror/internal/domain"
	"idmirror/internal/storage"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// tableDef maps one record type onto its table. columns excludes id; values and
// scan follow the same order, and scan also reads the leading id.
type tableDef[T any] struct {
	table   string
	columns []string
	order   string
	search  []string
	values  func(T) []any
	scan    func(scanner) (T, error)
}

func (s tableDef[T]) selectList() string {
	return "id, " + strings.Join(s.columns, ", ")
}

func (s tableDef[T]) where(criteria string) (string, []any) {
	if criteria == "" {
		return "", nil
	}
	pattern := storage.LikePattern(criteria)
	conds := make([]string, len(s.search))
	args := make([]any, len(s.search))
	for i, col := range s.search {
		conds[i] = "lower(" + col + `) LIKE ? ESCAPE '\'`
		args[i] = pattern
	}
	return " WHERE " + strings.Join(conds, " OR "), args
}

func query[T any](ctx context.Context, q querier, s tableDef[T], in storage.Query) ([]T, int, error) {
	where, args := s.where(in.Criteria)

	var total int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(1) FROM "+s.table+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", s.table, err)
	}

	limit := in.Limit
	if limit <= 0 {
		limit = -1
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s LIMIT ? OFFSET ?", s.selectList(), s.table, where, s.order)
	rows, err := q.QueryContext(ctx, stmt, append(args, limit, max(in.Offset, 0))...)
	if err != nil {
		return nil, 0, fmt.Errorf("query %s: %w", s.table, err)
	}
	out, err := collect(rows, s.scan)
	if err != nil {
		return nil, 0, fmt.Errorf("scan %s: %w", s.table, err)
	}
	return out, total, nil
}

func collect[T any](rows *sql.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// table is the generic storage.Table over one tableDef.
type table[T any] struct {
	q   querier
	def tableDef[T]
}

func (t *table[T]) LoadAll(ctx context.Context) ([]T, error) {
	rows, err := t.q.QueryContext(ctx, "SELECT "+t.def.selectList()+" FROM "+t.def.table)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", t.def.table, err)
	}
	return collect(rows, t.def.scan)
}

func (t *table[T]) Insert(ctx context.Context, rec T) (int64, error) {
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(t.def.columns)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s(%s) VALUES(%s)", t.def.table, strings.Join(t.def.columns, ", "), ph)
	res, err := t.q.ExecContext(ctx, stmt, t.def.values(rec)...)
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", t.def.table, storage.WrapIfConflict(err))
	}
	return res.LastInsertId()
}

func (t *table[T]) Update(ctx context.Context, id int64, rec T) error {
	sets := make([]string, len(t.def.columns))
	for i, c := range t.def.columns {
		sets[i] = c + "=?"
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id=?", t.def.table, strings.Join(sets, ", "))
	res, err := t.q.ExecContext(ctx, stmt, append(t.def.values(rec), id)...)
	if err != nil {
		return fmt.Errorf("update %s: %w", t.def.table, storage.WrapIfConflict(err))
	}
	return requireRow(res, t.def.table, id)
}

func (t *table[T]) Delete(ctx context.Context, id int64) error {
	res, err := t.q.ExecContext(ctx, "DELETE FROM "+t.def.table+" WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", t.def.table, err)
	}
	return requireRow(res, t.def.table, id)
}

func (t *table[T]) DeleteAll(ctx context.Context) (int, error) {
	res, err := t.q.ExecContext(ctx, "DELETE FROM "+t.def.table)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", t.def.table, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func requireRow(res sql.Result, tbl string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s row %d: %w", tbl, id, storage.ErrNotFound)
	}
	return nil
}

// connTable keeps claim rows in step with their parent connection.
type connTable struct {
	table[domain.Connection]
	kind domain.ConnectionKind
}

func (t *connTable) LoadAll(ctx context.Context) ([]domain.Connection, error) {
	out, err := t.table.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	if err := attachClaims(ctx, t.q, t.kind, out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *connTable) Insert(ctx context.Context, c domain.Connection) (int64, error) {
	c.Kind = t.kind
	id, err := t.table.Insert(ctx, c)
	if err != nil {
		return 0, err
	}
	return id, t.insertClaims(ctx, c)
}

func (t *connTable) Update(ctx context.Context, id int64, c domain.Connection) error {
	c.Kind = t.kind
	old, err := t.externalID(ctx, id)
	if err != nil {
		return err
	}
	if err := t.deleteClaims(ctx, old); err != nil {
		return err
	}
	if err := t.table.Update(ctx, id, c); err != nil {
		return err
	}
	return t.insertClaims(ctx, c)
}

func (t *connTable) Delete(ctx context.Context, id int64) error {
	old, err := t.externalID(ctx, id)
	if err != nil {
		return err
	}
	if err := t.deleteClaims(ctx, old); err != nil {
		return err
	}
	return t.table.Delete(ctx, id)
}

func (t *connTable) DeleteAll(ctx context.Context) (int, error) {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM claim_mappings WHERE connection_type=?`, string(t.kind)); err != nil {
		return 0, fmt.Errorf("purge claims: %w", err)
	}
	return t.table.DeleteAll(ctx)
}

func (t *connTable) externalID(ctx context.Context, id int64) (string, error) {
	var ext string
	err := t.q.QueryRowContext(ctx, "SELECT external_id FROM "+t.def.table+" WHERE id=?", id).Scan(&ext)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s row %d: %w", t.def.table, id, storage.ErrNotFound)
	}
	return ext, err
}

func (t *connTable) deleteClaims(ctx context.Context, externalID string) error {
	_, err := t.q.ExecContext(ctx, `DELETE FROM claim_mappings WHERE connection_type=? AND connection_id=?`, string(t.kind), externalID)
	if err != nil {
		return fmt.Errorf("delete claims: %w", err)
	}
	return nil
}

func (t *connTable) insertClaims(ctx context.Context, c domain.Connection) error {
	for _, cl := range c.Claims {
		_, err := t.q.ExecContext(ctx,
			`INSERT INTO claim_mappings(connection_type, connection_id, claim_name, claim_value, claim_type) VALUES(?, ?, ?, ?, ?)`,
			string(t.kind), c.ExternalID, cl.ClaimName, cl.ClaimValue, cl.ClaimType)
		if err != nil {
			return fmt.Errorf("insert claim %q: %w", cl.ClaimName, storage.WrapIfConflict(err))
		}
	}
	return nil
}

// attachClaims loads claims of kind for the given parents (all parents of the
// kind when ids is nil) and sets them on conns.
func attachClaims(ctx context.Context, q querier, kind domain.ConnectionKind, conns []domain.Connection, ids []string) error {
	if ids != nil && len(ids) == 0 {
		return nil
	}
	stmt := `SELECT id, connection_id, claim_name, claim_value, claim_type FROM claim_mappings WHERE connection_type=?`
	args := []any{string(kind)}
	if ids != nil {
		stmt += " AND connection_id IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ") + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}
	rows, err := q.QueryContext(ctx, stmt+" ORDER BY id", args...)
	if err != nil {
		return fmt.Errorf("load claims: %w", err)
	}
	claims, err := collect(rows, func(s scanner) (domain.ClaimMapping, error) {
		cl := domain.ClaimMapping{ConnectionType: kind}
		err := s.Scan(&cl.ID, &cl.ConnectionID, &cl.ClaimName, &cl.ClaimValue, &cl.ClaimType)
		return cl, err
	})
	if err != nil {
		return fmt.Errorf("scan claims: %w", err)
	}
	byParent := make(map[string][]domain.ClaimMapping)
	for _, cl := range claims {
		byParent[cl.ConnectionID] = append(byParent[cl.ConnectionID], cl)
	}
	for i := range conns {
		conns[i].Claims = byParent[conns[i].ExternalID]
	}
	return nil
}

// errTable fails every call; it is returned for an unknown connection kind.
type errTable[T any] struct{ err error }

func (e errTable[T]) LoadAll(context.Context) ([]T, error)     { return nil, e.err }
func (e errTable[T]) Insert(context.Context, T) (int64, error) { return 0, e.err }
func (e errTable[T]) Update(context.Context, int64, T) error   { return e.err }
func (e errTable[T]) Delete(context.Context, int64) error      { return e.err }
func (e errTable[T]) DeleteAll(context.Context) (int, error)   { return 0, e.err }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var connColumns = []string{
	"external_id", "protocol", "name", "entity_id", "active", "base_url", "sso_urls", "redirect_uris", "policy_id",
	"contact_company", "contact_email", "contact_first_name", "contact_last_name", "contact_phone",
	"owner_ticket", "owner_business", "owner_technical", "owner_apm",
	"conditional_criteria", "expression_criteria", "issuance_criteria", "created_at", "modified_at",
}

func connectionDef(kind domain.ConnectionKind) (tableDef[domain.Connection], error) {
	switch kind {
	case domain.ConnectionKindSAML, domain.ConnectionKindOIDC, domain.ConnectionKindLegacy:
	default:
		return tableDef[domain.Connection]{}, fmt.Errorf("unknown connection kind %q", kind)
	}
	return tableDef[domain.Connection]{
		table:   string(kind) + "_connections",
		columns: connColumns,
		order:   "external_id",
		search:  []string{"name", "entity_id", "external_id"},
		values: func(c domain.Connection) []any {
			return []any{
				c.ExternalID, c.Protocol, c.Name, c.EntityID, c.Active, c.BaseURL, c.SSOURLs, c.RedirectURIs, c.PolicyID,
				c.Contact.Company, c.Contact.Email, c.Contact.FirstName, c.Contact.LastName, c.Contact.Phone,
				c.Owner.TicketNumber, c.Owner.BusinessOwner, c.Owner.TechnicalOwner, c.Owner.APMNumber,
				c.ConditionalCriteria, c.ExpressionCriteria, c.IssuanceCriteria, formatTime(c.CreatedAt), formatTime(c.ModifiedAt),
			}
		},
		scan: func(s scanner) (domain.Connection, error) {
			c := domain.Connection{Kind: kind}
			var created, modified string
			err := s.Scan(&c.ID,
				&c.ExternalID, &c.Protocol, &c.Name, &c.EntityID, &c.Active, &c.BaseURL, &c.SSOURLs, &c.RedirectURIs, &c.PolicyID,
				&c.Contact.Company, &c.Contact.Email, &c.Contact.FirstName, &c.Contact.LastName, &c.Contact.Phone,
				&c.Owner.TicketNumber, &c.Owner.BusinessOwner, &c.Owner.TechnicalOwner, &c.Owner.APMNumber,
				&c.ConditionalCriteria, &c.ExpressionCriteria, &c.IssuanceCriteria, &created, &modified)
			c.CreatedAt, c.ModifiedAt = parseTime(created), parseTime(modified)
			return c, err
		},
	}, nil
}

var applicationDef = tableDef[domain.Application]{
	table: "applications",
	columns: []string{
		"sys_id", "number", "name", "short_description", "operational_status", "install_status", "version",
		"vendor", "company", "business_owner", "it_owner", "managed_by", "support_group", "created_on", "updated_on",
	},
	order:  "number",
	search: []string{"number", "name", "short_description"},
	values: func(a domain.Application) []any {
		return []any{
			a.SysID, a.Number, a.Name, a.ShortDescription, a.OperationalStatus, a.InstallStatus, a.Version,
			a.Vendor, a.Company, a.BusinessOwner, a.ITOwner, a.ManagedBy, a.SupportGroup, a.CreatedOn, a.UpdatedOn,
		}
	},
	scan: func(s scanner) (domain.Application, error) {
		var a domain.Application
		err := s.Scan(&a.ID,
			&a.SysID, &a.Number, &a.Name, &a.ShortDescription, &a.OperationalStatus, &a.InstallStatus, &a.Version,
			&a.Vendor, &a.Company, &a.BusinessOwner, &a.ITOwner, &a.ManagedBy, &a.SupportGroup, &a.CreatedOn, &a.UpdatedOn)
		return a, err
	},
}

var userDef = tableDef[domain.User]{
	table: "users",
	columns: []string{
		"user_key", "sys_id", "employee_id", "user_name", "first_name", "last_name", "email", "title", "active",
		"department", "manager", "location", "company", "updated_on",
	},
	order:  "user_key",
	search: []string{"employee_id", "user_name", "email", "first_name", "last_name"},
	values: func(u domain.User) []any {
		return []any{
			u.StableKey(), u.SysID, u.EmployeeID, u.UserName, u.FirstName, u.LastName, u.Email, u.Title, u.Active,
			u.Department, u.Manager, u.Location, u.Company, u.UpdatedOn,
		}
	},
	scan: func(s scanner) (domain.User, error) {
		var u domain.User
		var key string
		err := s.Scan(&u.ID, &key,
			&u.SysID, &u.EmployeeID, &u.UserName, &u.FirstName, &u.LastName, &u.Email, &u.Title, &u.Active,
			&u.Department, &u.Manager, &u.Location, &u.Company, &u.UpdatedOn)
		return u, err
	},
}
