package directory

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/mbolis/regional-survey/authz"
	"github.com/mbolis/regional-survey/database"
	"github.com/mbolis/regional-survey/model"
)

func (s *Service) CreateRegion(ctx context.Context, actor model.Actor, name, description string, governorateID int64) (model.Region, error) {
	if err := authz.Require(authz.CanManageDirectory(actor), "create region"); err != nil {
		return model.Region{}, err
	}
	r := model.Region{
		Name:          strings.TrimSpace(name),
		Description:   strings.TrimSpace(description),
		GovernorateID: governorateID,
	}
	if r.Name == "" {
		return model.Region{}, model.Invalid("region name is required")
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO region (name, description, governorate_id) VALUES (?, ?, ?)
		RETURNING id`,
		r.Name,
		r.Description,
		r.GovernorateID,
	).Scan(&r.ID)
	switch {
	case database.IsUniqueViolation(err):
		return model.Region{}, model.ErrDuplicateName
	case database.IsForeignKeyViolation(err):
		return model.Region{}, model.NotFound("governorate", governorateID)
	case err != nil:
		return model.Region{}, model.DBError("db.insert_region", err)
	}
	return s.GetRegion(ctx, actor, r.ID)
}

// UpdateRegion renames or describes a region. Moving it to another
// governorate is refused with ErrHasDependents once users or responses
// reference it.
func (s *Service) UpdateRegion(ctx context.Context, actor model.Actor, id int64, name, description string, governorateID int64) (model.Region, error) {
	if err := authz.Require(authz.CanManageDirectory(actor), "update region"); err != nil {
		return model.Region{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Region{}, model.Invalid("region name is required")
	}

	err := database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT governorate_id FROM region WHERE id = ?`, id).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return model.NotFound("region", id)
		case err != nil:
			return model.DBError("db.update_region.current", err)
		}
		if current != governorateID {
			if err := checkRegionUnused(ctx, tx, id, "db.update_region"); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE region
			SET name = ?, description = ?, governorate_id = ?
			WHERE id = ?`,
			name,
			strings.TrimSpace(description),
			governorateID,
			id,
		)
		switch {
		case database.IsUniqueViolation(err):
			return model.ErrDuplicateName
		case database.IsForeignKeyViolation(err):
			return model.NotFound("governorate", governorateID)
		case err != nil:
			return model.DBError("db.update_region", err)
		}
		return expectOne(res, "region", id, "db.update_region.verify")
	})
	if err != nil {
		return model.Region{}, err
	}
	return s.GetRegion(ctx, actor, id)
}

// DeleteRegion fails with ErrHasDependents while users are assigned to the
// region or responses were collected in it.
func (s *Service) DeleteRegion(ctx context.Context, actor model.Actor, id int64) error {
	if err := authz.Require(authz.CanManageDirectory(actor), "delete region"); err != nil {
		return err
	}

	return database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := checkRegionUnused(ctx, tx, id, "db.delete_region"); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM region WHERE id = ?`, id)
		if err != nil {
			return model.DBError("db.delete_region", err)
		}
		return expectOne(res, "region", id, "db.delete_region.verify")
	})
}

func checkRegionUnused(ctx context.Context, q database.Querier, id int64, op string) error {
	hasUsers, err := database.Exists(ctx, q, `SELECT 1 FROM user WHERE region_id = ? LIMIT 1`, id)
	if err != nil {
		return model.DBError(op+".users", err)
	}
	hasResponses, err := database.Exists(ctx, q, `SELECT 1 FROM response WHERE region_id = ? LIMIT 1`, id)
	if err != nil {
		return model.DBError(op+".responses", err)
	}
	if hasUsers || hasResponses {
		return model.ErrHasDependents
	}
	return nil
}

func (s *Service) GetRegion(ctx context.Context, actor model.Actor, id int64) (model.Region, error) {
	regions, err := s.listRegions(ctx, actor, sq.Eq{"rg.id": id})
	if err != nil {
		return model.Region{}, err
	}
	if len(regions) == 0 {
		return model.Region{}, model.NotFound("region", id)
	}
	return regions[0], nil
}

// ListRegions lists the regions of a governorate; governorateID 0 lists
// every region in the actor's reach.
func (s *Service) ListRegions(ctx context.Context, actor model.Actor, governorateID int64) ([]model.Region, error) {
	var filter sq.Sqlizer = sq.And{}
	if governorateID > 0 {
		filter = sq.Eq{"rg.governorate_id": governorateID}
	}
	return s.listRegions(ctx, actor, filter)
}

func (s *Service) listRegions(ctx context.Context, actor model.Actor, filter sq.Sqlizer) ([]model.Region, error) {
	scope, err := authz.RegionScope(actor)
	if err != nil {
		return nil, err
	}
	query, args, err := sq.Select("rg.id", "rg.name", "rg.description", "rg.governorate_id", "g.name").
		From("region rg").
		Join("governorate g ON g.id = rg.governorate_id").
		Where(scope).
		Where(filter).
		OrderBy("g.name", "rg.name").
		ToSql()
	if err != nil {
		return nil, model.DBError("db.get_regions.build", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.DBError("db.get_regions", err)
	}
	defer rows.Close()

	regions := []model.Region{}
	for rows.Next() {
		r := model.Region{}
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.GovernorateID, &r.GovernorateName); err != nil {
			return nil, model.DBError("db.get_regions.scan", err)
		}
		regions = append(regions, r)
	}
	if err := rows.Err(); err != nil {
		return nil, model.DBError("db.get_regions.rows", err)
	}
	return regions, nil
}
