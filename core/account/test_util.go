package account

import (
	"context"
	"testing"
	"time"
)

// CreateAccount stores an account straight through repo, bypassing validation. For tests.
func CreateAccount(t testing.TB, repo Repository, name, username, pwd, role, status string, createdAt ...time.Time) Account {
	t.Helper()
	tstamp := time.Now().UTC()
	if len(createdAt) > 0 {
		tstamp = createdAt[0].UTC()
	}
	acc := Account{
		Name:      name,
		Username:  username,
		Role:      role,
		Status:    status,
		CreatedAt: tstamp,
		UpdatedAt: tstamp,
	}
	if pwd != "" {
		if err := acc.SetPassword(pwd); err != nil {
			t.Fatalf("CreateAccount() failed: %v", err)
		}
	}
	acc, err := repo.CreateAccount(context.Background(), acc)
	if err != nil {
		t.Fatalf("CreateAccount() failed: %v", err)
	}
	return acc
}
