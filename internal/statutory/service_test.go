package statutory

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu     sync.Mutex
	tables []Table
	calls  map[ContributionType]int
	nextID int64
}

func newFakeRepo(tables []Table) *fakeRepo {
	for i := range tables {
		tables[i].ID = int64(i + 1)
	}
	return &fakeRepo{tables: tables, calls: map[ContributionType]int{}, nextID: int64(len(tables))}
}

func (f *fakeRepo) ListActiveTables(ctx context.Context, typ ContributionType) ([]Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[typ]++
	var out []Table
	for _, t := range f.tables {
		if t.Type == typ && t.IsActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeRepo) CreateTable(ctx context.Context, table Table) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	table.ID = f.nextID
	f.tables = append(f.tables, table)
	return table.ID, nil
}

func (f *fakeRepo) DeactivateTable(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.tables {
		if f.tables[i].ID == id {
			f.tables[i].IsActive = false
		}
	}
	return nil
}

func newTestService(t *testing.T, repo Repository) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewService(repo, NewTableCache(client, time.Minute), nil)
}

func TestCalculateContributionUsesCache(t *testing.T) {
	repo := newFakeRepo(DefaultTables(effective2025))
	svc := newTestService(t, repo)
	ctx := context.Background()
	asOf := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	res, err := svc.CalculateContribution(ctx, TypePhilHealth, d("30000"), asOf, "")
	require.NoError(t, err)
	requireAmount(t, "1500", res.Total)
	require.Equal(t, 1, repo.calls[TypePhilHealth])

	_, err = svc.CalculateContribution(ctx, TypePhilHealth, d("40000"), asOf, "")
	require.NoError(t, err)
	require.Equal(t, 1, repo.calls[TypePhilHealth], "second lookup should hit redis")

	newer := tableOf(t, TypePhilHealth, "")
	newer.EffectiveFrom = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	newer.ContributionRate = d("0.04")
	_, err = svc.CreateTable(ctx, newer)
	require.NoError(t, err)

	res, err = svc.CalculateContribution(ctx, TypePhilHealth, d("30000"), asOf, "")
	require.NoError(t, err)
	requireAmount(t, "1200", res.Total)
	require.Equal(t, 2, repo.calls[TypePhilHealth])
}

func TestCalculateContributionMissingTableIsZero(t *testing.T) {
	svc := NewService(newFakeRepo(nil), nil, nil)

	res, err := svc.CalculateContribution(context.Background(), TypeSSS, d("30000"), effective2025, "")
	require.NoError(t, err)
	require.False(t, res.Found)
	require.True(t, res.Total.IsZero())

	_, err = svc.CalculateContribution(context.Background(), ContributionType("GSIS"), d("1"), effective2025, "")
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestCreateTableRejectsInvalid(t *testing.T) {
	repo := newFakeRepo(nil)
	svc := NewService(repo, nil, nil)
	_, err := svc.CreateTable(context.Background(), Table{Type: TypeSSS, EffectiveFrom: effective2025})
	require.ErrorIs(t, err, ErrInvalidBracketTable)
	require.Empty(t, repo.tables)
}

func TestSnapshotLoadsEveryTypeOnce(t *testing.T) {
	repo := newFakeRepo(DefaultTables(effective2025))
	svc := NewService(repo, nil, nil)

	snap, err := svc.Snapshot(context.Background())
	require.NoError(t, err)
	for _, typ := range ContributionTypes {
		require.Equal(t, 1, repo.calls[typ])
	}
	res, err := snap.Require(TypeSSS, d("30000"), effective2025, "")
	require.NoError(t, err)
	requireAmount(t, "4530", res.Total)
}
