package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ImageScope identifies whose pending images are being buffered or drained.
// The user key keeps two senders in the same group chat from stealing each
// other's photos.
type ImageScope struct {
	ThreadKey string
	UserKey   string
}

// ImageBufferResult reports the outcome of a buffer write.
type ImageBufferResult struct {
	Inserted   int
	TotalBytes int64
}

// BufferTelegramImages stores decoded images for the scope, to be attached
// to the next ingested text message. The telegram_updates primary key makes
// ingestion exactly-once per update: a duplicate update id returns
// ErrTelegramUpdateDuplicate and inserts nothing.
func (s *Store) BufferTelegramImages(ctx context.Context, scope ImageScope, updateID int64, mediaGroupID string, images []RunImage) (ImageBufferResult, error) {
	var result ImageBufferResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO telegram_updates (update_id, created_at) VALUES (?, ?)`,
			updateID, fmtTime(time.Now()),
		); err != nil {
			if isUniqueViolation(err, "telegram_updates") {
				return ErrTelegramUpdateDuplicate
			}
			return fmt.Errorf("record telegram update: %w", err)
		}

		now := fmtTime(time.Now())
		for _, img := range images {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO pending_telegram_images
					(thread_key, user_key, update_id, media_group_id, mime_type, filename, data, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				scope.ThreadKey, scope.UserKey, updateID, nullStr(mediaGroupID),
				img.MimeType, nullStr(img.Filename), img.Data, now,
			); err != nil {
				return fmt.Errorf("buffer image: %w", err)
			}
			result.Inserted++
			result.TotalBytes += int64(len(img.Data))
		}
		return nil
	})
	if err != nil {
		return ImageBufferResult{}, err
	}
	return result, nil
}

// DrainPendingImages atomically returns and deletes every buffered image
// for the scope, in buffer order.
func (s *Store) DrainPendingImages(ctx context.Context, scope ImageScope) ([]RunImage, error) {
	var images []RunImage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, mime_type, filename, data
			FROM pending_telegram_images
			WHERE thread_key = ? AND user_key = ?
			ORDER BY id`,
			scope.ThreadKey, scope.UserKey,
		)
		if err != nil {
			return fmt.Errorf("select pending images: %w", err)
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var (
				id       int64
				img      RunImage
				filename sql.NullString
			)
			if err := rows.Scan(&id, &img.MimeType, &filename, &img.Data); err != nil {
				return err
			}
			img.Filename = filename.String
			images = append(images, img)
			ids = append(ids, fmt.Sprintf("%d", id))
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pending_telegram_images WHERE id IN (`+strings.Join(ids, ",")+`)`,
		); err != nil {
			return fmt.Errorf("delete drained images: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return images, nil
}
