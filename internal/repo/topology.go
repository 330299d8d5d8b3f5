package repo

import (
	"context"
	"database/sql"
	"fmt"

	"injectline/internal/domain"
)

func (r Repo) UpsertTeam(ctx context.Context, tx *sql.Tx, t domain.Team) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO teams(id,name) VALUES (?,?) ON CONFLICT(id) DO UPDATE SET name=excluded.name`, t.ID, t.Name)
	if err != nil {
		return fmt.Errorf("upsert team %s: %w", t.ID, err)
	}
	return nil
}

func (r Repo) UpsertAsset(ctx context.Context, tx *sql.Tx, a domain.Asset) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assets(id,name) VALUES (?,?) ON CONFLICT(id) DO UPDATE SET name=excluded.name`, a.ID, a.Name)
	if err != nil {
		return fmt.Errorf("upsert asset %s: %w", a.ID, err)
	}
	return nil
}

func (r Repo) UpsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(id,asset_id,hostname) VALUES (?,?,?) ON CONFLICT(id) DO UPDATE SET asset_id=excluded.asset_id, hostname=excluded.hostname`,
		a.ID, a.AssetID, a.Hostname)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}

// UpsertAssetGroup replaces the group's membership with g.AssetIDs.
func (r Repo) UpsertAssetGroup(ctx context.Context, tx *sql.Tx, g domain.AssetGroup) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO asset_groups(id,name) VALUES (?,?) ON CONFLICT(id) DO UPDATE SET name=excluded.name`, g.ID, g.Name); err != nil {
		return fmt.Errorf("upsert asset group %s: %w", g.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM asset_group_assets WHERE group_id=?`, g.ID); err != nil {
		return err
	}
	for _, assetID := range g.AssetIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO asset_group_assets(group_id,asset_id) VALUES (?,?)`, g.ID, assetID); err != nil {
			return fmt.Errorf("add asset %s to group %s: %w", assetID, g.ID, err)
		}
	}
	return nil
}

func (r Repo) ListAgents(ctx context.Context, ids []string) ([]domain.Agent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.queryAgents(ctx, `WHERE id IN (`+placeholders(len(ids))+`)`, anyArgs(ids)...)
}

// ListAgentsByAssets returns every agent installed on one of the assets.
func (r Repo) ListAgentsByAssets(ctx context.Context, assetIDs []string) ([]domain.Agent, error) {
	if len(assetIDs) == 0 {
		return nil, nil
	}
	return r.queryAgents(ctx, `WHERE asset_id IN (`+placeholders(len(assetIDs))+`)`, anyArgs(assetIDs)...)
}

func (r Repo) queryAgents(ctx context.Context, where string, args ...any) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,asset_id,hostname FROM agents `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		var a domain.Agent
		if err := rows.Scan(&a.ID, &a.AssetID, &a.Hostname); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) ListAssets(ctx context.Context, ids []string) ([]domain.Asset, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name FROM assets WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`, anyArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Asset
	for rows.Next() {
		var a domain.Asset
		if err := rows.Scan(&a.ID, &a.Name); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListAssetGroups returns the groups with their member asset ids.
func (r Repo) ListAssetGroups(ctx context.Context, ids []string) ([]domain.AssetGroup, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name FROM asset_groups WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`, anyArgs(ids)...)
	if err != nil {
		return nil, err
	}
	var res []domain.AssetGroup
	for rows.Next() {
		var g domain.AssetGroup
		if err := rows.Scan(&g.ID, &g.Name); err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, g)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return res, nil
	}
	index := make(map[string]int, len(res))
	groupIDs := make([]string, len(res))
	for i, g := range res {
		index[g.ID] = i
		groupIDs[i] = g.ID
	}
	members, err := r.DB.QueryContext(ctx, `SELECT group_id,asset_id FROM asset_group_assets WHERE group_id IN (`+placeholders(len(groupIDs))+`) ORDER BY asset_id`, anyArgs(groupIDs)...)
	if err != nil {
		return nil, err
	}
	defer members.Close()
	for members.Next() {
		var groupID, assetID string
		if err := members.Scan(&groupID, &assetID); err != nil {
			return nil, err
		}
		i := index[groupID]
		res[i].AssetIDs = append(res[i].AssetIDs, assetID)
	}
	return res, members.Err()
}

func (r Repo) ListTeams(ctx context.Context, ids []string) ([]domain.Team, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name FROM teams WHERE id IN (`+placeholders(len(ids))+`) ORDER BY id`, anyArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Team
	for rows.Next() {
		var t domain.Team
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
