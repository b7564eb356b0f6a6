//go:build postgres

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"idmirror/internal/domain"
	"idmirror/internal/storage"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type tableDef[T any] struct {
	table   string
	columns []string
	order   string
	search  []string
	values  func(T) []any
	scan    func(pgx.Row) (T, error)
}

func (s tableDef[T]) selectList() string {
	return "id, " + strings.Join(s.columns, ", ")
}

// where matches every search column against a single $1 pattern.
func (s tableDef[T]) where(criteria string) (string, []any) {
	if criteria == "" {
		return "", nil
	}
	conds := make([]string, len(s.search))
	for i, col := range s.search {
		conds[i] = "lower(" + col + `) LIKE $1 ESCAPE '\'`
	}
	return " WHERE " + strings.Join(conds, " OR "), []any{storage.LikePattern(criteria)}
}

// placeholders returns "$from, ..., $(from+n-1)".
func placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = "$" + strconv.Itoa(from+i)
	}
	return strings.Join(ph, ", ")
}

func query[T any](ctx context.Context, q querier, s tableDef[T], in storage.Query) ([]T, int, error) {
	where, args := s.where(in.Criteria)

	var total int
	if err := q.QueryRow(ctx, "SELECT COUNT(1) FROM "+s.table+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", s.table, err)
	}

	// A NULL limit means LIMIT ALL.
	var limit any
	if in.Limit > 0 {
		limit = int64(in.Limit)
	}
	n := len(args)
	stmt := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s LIMIT $%d OFFSET $%d", s.selectList(), s.table, where, s.order, n+1, n+2)
	rows, err := q.Query(ctx, stmt, append(args, limit, int64(max(in.Offset, 0)))...)
	if err != nil {
		return nil, 0, fmt.Errorf("query %s: %w", s.table, err)
	}
	out, err := collect(rows, s.scan)
	if err != nil {
		return nil, 0, fmt.Errorf("scan %s: %w", s.table, err)
	}
	return out, total, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
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

type table[T any] struct {
	q   querier
	def tableDef[T]
}

func (t *table[T]) LoadAll(ctx context.Context) ([]T, error) {
	rows, err := t.q.Query(ctx, "SELECT "+t.def.selectList()+" FROM "+t.def.table)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", t.def.table, err)
	}
	return collect(rows, t.def.scan)
}

func (t *table[T]) Insert(ctx context.Context, rec T) (int64, error) {
	stmt := fmt.Sprintf("INSERT INTO %s(%s) VALUES(%s) RETURNING id",
		t.def.table, strings.Join(t.def.columns, ", "), placeholders(1, len(t.def.columns)))
	var id int64
	if err := t.q.QueryRow(ctx, stmt, t.def.values(rec)...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert %s: %w", t.def.table, wrapConflict(err))
	}
	return id, nil
}

func (t *table[T]) Update(ctx context.Context, id int64, rec T) error {
	sets := make([]string, len(t.def.columns))
	for i, c := range t.def.columns {
		sets[i] = c + "=$" + strconv.Itoa(i+1)
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id=$%d", t.def.table, strings.Join(sets, ", "), len(sets)+1)
	tag, err := t.q.Exec(ctx, stmt, append(t.def.values(rec), id)...)
	if err != nil {
		return fmt.Errorf("update %s: %w", t.def.table, wrapConflict(err))
	}
	return requireRow(tag, t.def.table, id)
}

func (t *table[T]) Delete(ctx context.Context, id int64) error {
	tag, err := t.q.Exec(ctx, "DELETE FROM "+t.def.table+" WHERE id=$1", id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", t.def.table, err)
	}
	return requireRow(tag, t.def.table, id)
}

func (t *table[T]) DeleteAll(ctx context.Context) (int, error) {
	tag, err := t.q.Exec(ctx, "DELETE FROM "+t.def.table)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", t.def.table, err)
	}
	return int(tag.RowsAffected()), nil
}

func requireRow(tag pgconn.CommandTag, tbl string, id int64) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s row %d: %w", tbl, id, storage.ErrNotFound)
	}
	return nil
}

// wrapConflict maps unique_violation (23505) onto storage.ErrConflict.
func wrapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}
	return err
}

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
	if _, err := t.q.Exec(ctx, `DELETE FROM claim_mappings WHERE connection_type=$1`, string(t.kind)); err != nil {
		return 0, fmt.Errorf("purge claims: %w", err)
	}
	return t.table.DeleteAll(ctx)
}

func (t *connTable) externalID(ctx context.Context, id int64) (string, error) {
	var ext string
	err := t.q.QueryRow(ctx, "SELECT external_id FROM "+t.def.table+" WHERE id=$1", id).Scan(&ext)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%s row %d: %w", t.def.table, id, storage.ErrNotFound)
	}
	return ext, err
}

func (t *connTable) deleteClaims(ctx context.Context, externalID string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM claim_mappings WHERE connection_type=$1 AND connection_id=$2`, string(t.kind), externalID)
	if err != nil {
		return fmt.Errorf("delete claims: %w", err)
	}
	return nil
}

func (t *connTable) insertClaims(ctx context.Context, c domain.Connection) error {
	if len(c.Claims) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, cl := range c.Claims {
		batch.Queue(`INSERT INTO claim_mappings(connection_type, connection_id, claim_name, claim_value, claim_type) VALUES($1, $2, $3, $4, $5)`,
			string(t.kind), c.ExternalID, cl.ClaimName, cl.ClaimValue, cl.ClaimType)
	}
	br := t.q.SendBatch(ctx, batch)
	defer br.Close()
	for _, cl := range c.Claims {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert claim %q: %w", cl.ClaimName, wrapConflict(err))
		}
	}
	return nil
}

func attachClaims(ctx context.Context, q querier, kind domain.ConnectionKind, conns []domain.Connection, ids []string) error {
	if ids != nil && len(ids) == 0 {
		return nil
	}
	stmt := `SELECT id, connection_id, claim_name, claim_value, claim_type FROM claim_mappings WHERE connection_type=$1`
	args := []any{string(kind)}
	if ids != nil {
		stmt += " AND connection_id = ANY($2)"
		args = append(args, ids)
	}
	rows, err := q.Query(ctx, stmt+" ORDER BY id", args...)
	if err != nil {
		return fmt.Errorf("load claims: %w", err)
	}
	claims, err := collect(rows, func(r pgx.Row) (domain.ClaimMapping, error) {
		cl := domain.ClaimMapping{ConnectionType: kind}
		err := r.Scan(&cl.ID, &cl.ConnectionID, &cl.ClaimName, &cl.ClaimValue, &cl.ClaimType)
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

type errTable[T any] struct{ err error }

func (e errTable[T]) LoadAll(context.Context) ([]T, error)     { return nil, e.err }
func (e errTable[T]) Insert(context.Context, T) (int64, error) { return 0, e.err }
func (e errTable[T]) Update(context.Context, int64, T) error   { return e.err }
func (e errTable[T]) Delete(context.Context, int64) error      { return e.err }
func (e errTable[T]) DeleteAll(context.Context) (int, error)   { return 0, e.err }

// nullTime stores the zero time as NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func fromNull(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
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
				c.ConditionalCriteria, c.ExpressionCriteria, c.IssuanceCriteria, nullTime(c.CreatedAt), nullTime(c.ModifiedAt),
			}
		},
		scan: func(r pgx.Row) (domain.Connection, error) {
			c := domain.Connection{Kind: kind}
			var created, modified *time.Time
			err := r.Scan(&c.ID,
				&c.ExternalID, &c.Protocol, &c.Name, &c.EntityID, &c.Active, &c.BaseURL, &c.SSOURLs, &c.RedirectURIs, &c.PolicyID,
				&c.Contact.Company, &c.Contact.Email, &c.Contact.FirstName, &c.Contact.LastName, &c.Contact.Phone,
				&c.Owner.TicketNumber, &c.Owner.BusinessOwner, &c.Owner.TechnicalOwner, &c.Owner.APMNumber,
				&c.ConditionalCriteria, &c.ExpressionCriteria, &c.IssuanceCriteria, &created, &modified)
			c.CreatedAt, c.ModifiedAt = fromNull(created), fromNull(modified)
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
	scan: func(r pgx.Row) (domain.Application, error) {
		var a domain.Application
		err := r.Scan(&a.ID,
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
	scan: func(r pgx.Row) (domain.User, error) {
		var u domain.User
		var key string
		err := r.Scan(&u.ID, &key,
			&u.SysID, &u.EmployeeID, &u.UserName, &u.FirstName, &u.LastName, &u.Email, &u.Title, &u.Active,
			&u.Department, &u.Manager, &u.Location, &u.Company, &u.UpdatedOn)
		return u, err
	},
}
