package repository

import (
	"context"

	"amora-realtime/internal/domain/notification"
)

type profileRepository struct {
	db DBTX
}

func NewProfileRepository(db DBTX) ProfileRepository {
	return &profileRepository{db: db}
}

func (r *profileRepository) Upsert(ctx context.Context, a notification.Actor) error {
	_, err := r.db.ExecContext(ctx, `
        INSERT INTO profiles (id, display_name, avatar_url, updated_at)
        VALUES ($1,$2,$3,now())
        ON CONFLICT (id) DO UPDATE SET
            display_name = EXCLUDED.display_name,
            avatar_url = EXCLUDED.avatar_url,
            updated_at = now()
    `, a.ID, a.DisplayName, a.AvatarURL)
	return err
}

func (r *profileRepository) Lookup(ctx context.Context, ids []string) (map[string]notification.Actor, error) {
	out := make(map[string]notification.Actor, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx, `
        SELECT id, display_name, avatar_url
        FROM profiles
        WHERE id IN (`+buildPlaceholders(1, len(ids))+`)
    `, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var a notification.Actor
		if err := rows.Scan(&a.ID, &a.DisplayName, &a.AvatarURL); err != nil {
			return nil, err
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}
