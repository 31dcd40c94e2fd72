package storage

import "time"

// RecordSpend appends one spend entry. It satisfies ledger.Sink.
func (s *Store) RecordSpend(model string, cost float64) error {
	_, err := s.db.Exec(`INSERT INTO spend (model, cost, recorded_at) VALUES (?, ?, ?)`,
		model, cost, time.Now().UTC().Format(time.RFC3339))
	return err
}

// SpendByModel sums recorded spend per model.
func (s *Store) SpendByModel() (map[string]float64, error) {
	rows, err := s.db.Query(`SELECT model, SUM(cost) FROM spend GROUP BY model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]float64)
	for rows.Next() {
		var model string
		var total float64
		if err := rows.Scan(&model, &total); err != nil {
			return nil, err
		}
		result[model] = total
	}
	return result, rows.Err()
}
