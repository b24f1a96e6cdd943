package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_resolution",
			SQL: `SELECT session_id, COUNT(*) FROM escrow_transactions
                  WHERE direction IN ('refund','forfeit')
                  GROUP BY session_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_no_resolution_while_live",
			SQL: `SELECT s.id, s.status, t.direction FROM negotiation_sessions s
                  JOIN escrow_transactions t ON t.session_id = s.id
                  WHERE s.status IN ('awaiting_deposit','active')
                    AND t.direction IN ('refund','forfeit')`,
		},
		{
			Name: "O3_terminal_deposit_settled",
			SQL: `SELECT id, status, deposit_status FROM negotiation_sessions
                  WHERE status IN ('rejected','expired','cancelled')
                    AND deposit_status = 'held'`,
		},
		{
			Name: "O4_single_hold",
			SQL: `SELECT session_id, COUNT(*) FROM escrow_transactions
                  WHERE direction = 'hold'
                  GROUP BY session_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O5_no_hold_before_activation",
			SQL: `SELECT s.id FROM negotiation_sessions s
                  JOIN escrow_transactions t ON t.session_id = s.id AND t.direction = 'hold'
                  WHERE s.status = 'awaiting_deposit'`,
		},
		{
			Name: "O6_deposit_status_matches_ledger",
			SQL: `SELECT s.id, s.deposit_status FROM negotiation_sessions s
                  WHERE (s.deposit_status = 'refunded' AND NOT EXISTS (
                            SELECT 1 FROM escrow_transactions t
                            WHERE t.session_id = s.id AND t.direction = 'refund'))
                     OR (s.deposit_status = 'forfeited' AND NOT EXISTS (
                            SELECT 1 FROM escrow_transactions t
                            WHERE t.session_id = s.id AND t.direction = 'forfeit'))
                     OR (s.deposit_status = 'held' AND NOT EXISTS (
                            SELECT 1 FROM escrow_transactions t
                            WHERE t.session_id = s.id AND t.direction = 'hold'))`,
		},
		{
			Name: "O7_one_live_session_per_pair",
			SQL: `SELECT project_id, investor_id, COUNT(*) FROM negotiation_sessions
                  WHERE status IN ('awaiting_deposit','active')
                  GROUP BY project_id, investor_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_forfeit_has_evidence",
			SQL: `SELECT id FROM negotiation_sessions
                  WHERE deposit_status = 'forfeited' AND leak_turn_id IS NULL`,
		},
		{
			Name: "O9_hold_amount_matches_deposit",
			SQL: `SELECT s.id, s.deposit_amount, t.amount FROM negotiation_sessions s
                  JOIN escrow_transactions t ON t.session_id = s.id AND t.direction = 'hold'
                  WHERE t.amount <> s.deposit_amount`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
