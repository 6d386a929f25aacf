// Copyright 2023 The Rift Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/riftlabs/rift/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inMemoryWalletManager is a reference WalletManager used to exercise the
// wallet facade contract: a multi-user update applies fully or not at all,
// and no balance may go negative.
type inMemoryWalletManager struct {
	sync.Mutex
	wallets map[string]map[string]int64
	ledger  map[string][]*walletLedgerEntry
}

func newInMemoryWalletManager() *inMemoryWalletManager {
	return &inMemoryWalletManager{
		wallets: make(map[string]map[string]int64),
		ledger:  make(map[string][]*walletLedgerEntry),
	}
}

type walletLedgerEntry struct {
	id         string
	userID     string
	createTime int64
	changeset  map[string]int64
	metadata   map[string]interface{}
}

func (e *walletLedgerEntry) GetID() string                       { return e.id }
func (e *walletLedgerEntry) GetUserID() string                   { return e.userID }
func (e *walletLedgerEntry) GetCreateTime() int64                { return e.createTime }
func (e *walletLedgerEntry) GetUpdateTime() int64                { return e.createTime }
func (e *walletLedgerEntry) GetChangeset() map[string]int64      { return e.changeset }
func (e *walletLedgerEntry) GetMetadata() map[string]interface{} { return e.metadata }

func (w *inMemoryWalletManager) UpdateWallets(ctx context.Context, updates []*runtime.WalletUpdate, updateLedger bool) ([]*runtime.WalletUpdateResult, error) {
	w.Lock()
	defer w.Unlock()

	// Validate every changeset before anything is applied.
	for _, update := range updates {
		wallet := w.wallets[update.UserID]
		for k, delta := range update.Changeset {
			if wallet[k]+delta < 0 {
				return nil, fmt.Errorf("wallet update rejected for user %v: ledger entry %q would go negative", update.UserID, k)
			}
		}
	}

	results := make([]*runtime.WalletUpdateResult, 0, len(updates))
	for _, update := range updates {
		wallet, found := w.wallets[update.UserID]
		if !found {
			wallet = make(map[string]int64)
			w.wallets[update.UserID] = wallet
		}

		previous := make(map[string]int64, len(wallet))
		for k, v := range wallet {
			previous[k] = v
		}
		for k, delta := range update.Changeset {
			wallet[k] += delta
		}
		updated := make(map[string]int64, len(wallet))
		for k, v := range wallet {
			updated[k] = v
		}

		results = append(results, &runtime.WalletUpdateResult{
			UserID:   update.UserID,
			Updated:  updated,
			Previous: previous,
		})

		if updateLedger {
			w.ledger[update.UserID] = append(w.ledger[update.UserID], &walletLedgerEntry{
				id:         uuid.Must(uuid.NewV4()).String(),
				userID:     update.UserID,
				createTime: time.Now().UTC().Unix(),
				changeset:  update.Changeset,
				metadata:   update.Metadata,
			})
		}
	}

	return results, nil
}

func (w *inMemoryWalletManager) ListLedger(ctx context.Context, userID string, limit int, cursor string) ([]runtime.WalletLedgerItem, string, error) {
	w.Lock()
	defer w.Unlock()

	entries := w.ledger[userID]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	items := make([]runtime.WalletLedgerItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, entry)
	}
	return items, "", nil
}

func walletModuleForTest(t *testing.T, wallet runtime.WalletManager) runtime.Module {
	logger := loggerForTest(t)
	cfg := NewConfig(logger)
	return NewRuntimeGoRiftModule(logger, nil, cfg, &testSessionRegistry{}, nil, &testTracker{},
		&testMessageRouter{}, nil, wallet, nil, nil)
}

func TestWalletUpdateNotConfigured(t *testing.T) {
	module := walletModuleForTest(t, nil)

	_, _, err := module.WalletUpdate(context.Background(), uuid.Must(uuid.NewV4()).String(),
		map[string]int64{"coins": 10}, nil, false)
	assert.Equal(t, runtime.ErrWalletNotConfigured, err)
}

func TestWalletUpdateAndLedger(t *testing.T) {
	module := walletModuleForTest(t, newInMemoryWalletManager())
	userID := uuid.Must(uuid.NewV4()).String()

	updated, previous, err := module.WalletUpdate(context.Background(), userID,
		map[string]int64{"coins": 100}, map[string]interface{}{"reason": "quest"}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(100), updated["coins"])
	assert.Empty(t, previous)

	updated, previous, err = module.WalletUpdate(context.Background(), userID,
		map[string]int64{"coins": -30}, nil, true)
	require.NoError(t, err)
	assert.Equal(t, int64(70), updated["coins"])
	assert.Equal(t, int64(100), previous["coins"])

	items, _, err := module.WalletLedgerList(context.Background(), userID, 10, "")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, userID, items[0].GetUserID())
	assert.Equal(t, int64(100), items[0].GetChangeset()["coins"])
}

func TestWalletUpdateRejectsNegativeBalance(t *testing.T) {
	module := walletModuleForTest(t, newInMemoryWalletManager())
	userID := uuid.Must(uuid.NewV4()).String()

	_, _, err := module.WalletUpdate(context.Background(), userID,
		map[string]int64{"coins": -50}, nil, true)
	require.Error(t, err)

	// Nothing was applied, and no ledger entry was written.
	items, _, err := module.WalletLedgerList(context.Background(), userID, 10, "")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestWalletsUpdateAtomicAcrossUsers(t *testing.T) {
	wallet := newInMemoryWalletManager()
	module := walletModuleForTest(t, wallet)
	userA := uuid.Must(uuid.NewV4()).String()
	userB := uuid.Must(uuid.NewV4()).String()

	_, err := module.WalletsUpdate(context.Background(), []*runtime.WalletUpdate{
		{UserID: userA, Changeset: map[string]int64{"coins": 10}},
		{UserID: userB, Changeset: map[string]int64{"coins": -5}},
	}, false)
	require.Error(t, err)

	// The first user's credit must not have applied.
	updated, _, err := module.WalletUpdate(context.Background(), userA, map[string]int64{"coins": 0}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), updated["coins"])
}

func TestWalletUpdateConcurrent(t *testing.T) {
	module := walletModuleForTest(t, newInMemoryWalletManager())
	userID := uuid.Must(uuid.NewV4()).String()

	// Seed a balance to be drained below.
	_, _, err := module.WalletUpdate(context.Background(), userID, map[string]int64{"coins": 50}, nil, false)
	require.NoError(t, err)

	// Concurrent debits beyond the available balance: exactly the funded
	// amount succeeds, the rest are rejected.
	var wg sync.WaitGroup
	var failed int64
	var mu sync.Mutex
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := module.WalletUpdate(context.Background(), userID, map[string]int64{"coins": -1}, nil, false); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), failed)
	updated, _, err := module.WalletUpdate(context.Background(), userID, map[string]int64{"coins": 0}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, int64(0), updated["coins"])
}
