package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const rewriteColumns = `id, fingerprint, created_at, question, answer, subject, question_type, grade_level, style,
	rewritten, model, tier, quality_score, low_confidence, attempts, cost, callback_url`

func (s *Store) SaveRewrite(rw Rewrite) error {
	var score sql.NullFloat64
	if rw.QualityScore != nil {
		score = sql.NullFloat64{Float64: *rw.QualityScore, Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO rewrites (`+rewriteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rw.ID, rw.Fingerprint, rw.CreatedAt.UTC().Format(time.RFC3339), rw.Question, rw.Answer,
		rw.Subject, rw.QuestionType, rw.GradeLevel, rw.Style, rw.Text, rw.Model, rw.Tier,
		score, rw.LowConfidence, rw.Attempts, rw.Cost, rw.CallbackURL,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRewrite(row scanner) (Rewrite, error) {
	var rw Rewrite
	var createdAt string
	var score sql.NullFloat64
	if err := row.Scan(&rw.ID, &rw.Fingerprint, &createdAt, &rw.Question, &rw.Answer, &rw.Subject,
		&rw.QuestionType, &rw.GradeLevel, &rw.Style, &rw.Text, &rw.Model, &rw.Tier,
		&score, &rw.LowConfidence, &rw.Attempts, &rw.Cost, &rw.CallbackURL); err != nil {
		return Rewrite{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Rewrite{}, fmt.Errorf("parsing created_at: %w", err)
	}
	rw.CreatedAt = t
	if score.Valid {
		v := score.Float64
		rw.QualityScore = &v
	}
	return rw, nil
}

func (s *Store) GetRewrite(id string) (Rewrite, error) {
	rw, err := scanRewrite(s.db.QueryRow(`SELECT `+rewriteColumns+` FROM rewrites WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Rewrite{}, ErrNotFound
	}
	return rw, err
}

// LatestRewrite returns the newest rewrite stored for fingerprint.
func (s *Store) LatestRewrite(fingerprint string) (Rewrite, error) {
	rw, err := scanRewrite(s.db.QueryRow(`SELECT `+rewriteColumns+` FROM rewrites
		WHERE fingerprint = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, fingerprint))
	if err == sql.ErrNoRows {
		return Rewrite{}, ErrNotFound
	}
	return rw, err
}

func (s *Store) ListRewrites(limit int) ([]Rewrite, error) {
	rows, err := s.db.Query(`SELECT `+rewriteColumns+` FROM rewrites
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Rewrite
	for rows.Next() {
		rw, err := scanRewrite(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rw)
	}
	return results, rows.Err()
}
