package db

import (
	"encoding/json"
	"fmt"
	"strings"
)

// whereClause renders f as a WHERE clause using ph to format the n-th
// placeholder.
func whereClause(f Filter, ph func(n int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, ph(len(args))))
	}

	if f.UserID != nil {
		add("user_id = %s", *f.UserID)
	}
	if f.EventType != "" {
		add("event_type = %s", f.EventType)
	}
	if f.Status != "" {
		add("status = %s", string(f.Status))
	}
	if f.AttemptsLT > 0 {
		add("attempts < %s", f.AttemptsLT)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func encodeContext(c Context) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	return data, nil
}

func decodeContext(data []byte) (Context, error) {
	var c Context
	if len(data) == 0 {
		return Context{Values: map[string]any{}}, nil
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return Context{}, err
	}
	return c, nil
}
