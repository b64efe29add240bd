// Package directory manages the governorate → region tree that users and
// responses hang off.
//
// Unlike survey data, directory entries are never deleted in cascade: a
// delete fails with model.ErrHasDependents while anything still points at
// the entry.
package directory

import (
	"context"
	"database/sql"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/mbolis/regional-survey/authz"
	"github.com/mbolis/regional-survey/database"
	"github.com/mbolis/regional-survey/model"
)

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

func (s *Service) CreateGovernorate(ctx context.Context, actor model.Actor, name, description string) (model.Governorate, error) {
	if err := authz.Require(authz.CanManageDirectory(actor), "create governorate"); err != nil {
		return model.Governorate{}, err
	}
	g := model.Governorate{Name: strings.TrimSpace(name), Description: strings.TrimSpace(description)}
	if g.Name == "" {
		return model.Governorate{}, model.Invalid("governorate name is required")
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO governorate (name, description) VALUES (?, ?)
		RETURNING id`,
		g.Name,
		g.Description,
	).Scan(&g.ID)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return model.Governorate{}, model.ErrDuplicateName
		}
		return model.Governorate{}, model.DBError("db.insert_governorate", err)
	}
	return g, nil
}

func (s *Service) UpdateGovernorate(ctx context.Context, actor model.Actor, id int64, name, description string) (model.Governorate, error) {
	if err := authz.Require(authz.CanManageDirectory(actor), "update governorate"); err != nil {
		return model.Governorate{}, err
	}
	g := model.Governorate{ID: id, Name: strings.TrimSpace(name), Description: strings.TrimSpace(description)}
	if g.Name == "" {
		return model.Governorate{}, model.Invalid("governorate name is required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE governorate
		SET name = ?, description = ?
		WHERE id = ?`,
		g.Name,
		g.Description,
		id,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return model.Governorate{}, model.ErrDuplicateName
		}
		return model.Governorate{}, model.DBError("db.update_governorate", err)
	}
	if err := expectOne(res, "governorate", id, "db.update_governorate.verify"); err != nil {
		return model.Governorate{}, err
	}
	return g, nil
}

// DeleteGovernorate fails with ErrHasDependents while regions or governorate
// admins reference the governorate. Survey permissions for it are dropped.
func (s *Service) DeleteGovernorate(ctx context.Context, actor model.Actor, id int64) error {
	if err := authz.Require(authz.CanManageDirectory(actor), "delete governorate"); err != nil {
		return err
	}

	return database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		hasRegions, err := database.Exists(ctx, tx, `SELECT 1 FROM region WHERE governorate_id = ? LIMIT 1`, id)
		if err != nil {
			return model.DBError("db.delete_governorate.regions", err)
		}
		hasAdmins, err := database.Exists(ctx, tx, `SELECT 1 FROM governorate_admin WHERE governorate_id = ? LIMIT 1`, id)
		if err != nil {
			return model.DBError("db.delete_governorate.admins", err)
		}
		if hasRegions || hasAdmins {
			return model.ErrHasDependents
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM survey_governorate WHERE governorate_id = ?`, id)
		if err != nil {
			return model.DBError("db.delete_governorate.permissions", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM governorate WHERE id = ?`, id)
		if err != nil {
			return model.DBError("db.delete_governorate", err)
		}
		return expectOne(res, "governorate", id, "db.delete_governorate.verify")
	})
}

func (s *Service) GetGovernorate(ctx context.Context, actor model.Actor, id int64) (model.Governorate, error) {
	govs, err := s.listGovernorates(ctx, actor, sq.Eq{"g.id": id})
	if err != nil {
		return model.Governorate{}, err
	}
	if len(govs) == 0 {
		return model.Governorate{}, model.NotFound("governorate", id)
	}
	return govs[0], nil
}

// ListGovernorates returns every governorate for admins and the actor's own
// governorate for everybody else.
func (s *Service) ListGovernorates(ctx context.Context, actor model.Actor) ([]model.Governorate, error) {
	return s.listGovernorates(ctx, actor, sq.And{})
}

func (s *Service) listGovernorates(ctx context.Context, actor model.Actor, filter sq.Sqlizer) ([]model.Governorate, error) {
	scope, err := authz.GovernorateScope(actor)
	if err != nil {
		return nil, err
	}
	query, args, err := sq.Select("g.id", "g.name", "g.description").
		From("governorate g").
		Where(scope).
		Where(filter).
		OrderBy("g.name").
		ToSql()
	if err != nil {
		return nil, model.DBError("db.get_governorates.build", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.DBError("db.get_governorates", err)
	}
	defer rows.Close()

	govs := []model.Governorate{}
	for rows.Next() {
		g := model.Governorate{}
		if err := rows.Scan(&g.ID, &g.Name, &g.Description); err != nil {
			return nil, model.DBError("db.get_governorates.scan", err)
		}
		govs = append(govs, g)
	}
	if err := rows.Err(); err != nil {
		return nil, model.DBError("db.get_governorates.rows", err)
	}
	return govs, nil
}

func expectOne(res sql.Result, entity string, id int64, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return model.DBError(op, err)
	}
	if n < 1 {
		return model.NotFound(entity, id)
	}
	return nil
}
