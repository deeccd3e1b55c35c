package rowstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRows() []Row {
	return []Row{
		{"id": "a", "price": 10.0, "qty": 1.0},
		{"id": "b", "price": 20.0, "qty": 2.0},
		{"id": "c", "price": 30.0, "qty": 3.0},
	}
}

func TestApplySnapshot_PopulatesStore(t *testing.T) {
	s := New("id")
	s.ApplySnapshot(seedRows())

	assert.Equal(t, 3, s.Len())
	row, ok := s.Get("b")
	require.True(t, ok)
	assert.Equal(t, 20.0, row["price"])
}

func TestApplySnapshot_Idempotent(t *testing.T) {
	s := New("id")
	s.ApplySnapshot(seedRows())
	once := s.GetAll()

	s.ApplySnapshot(seedRows())
	twice := s.GetAll()

	assert.Equal(t, once, twice)
	assert.Equal(t, 3, s.Len())
}

func TestApplySnapshot_DuplicateKeyKeepsLast(t *testing.T) {
	s := New("id")
	s.ApplySnapshot([]Row{
		{"id": "a", "price": 1.0},
		{"id": "a", "price": 2.0},
	})

	assert.Equal(t, 1, s.Len())
	row, _ := s.Get("a")
	assert.Equal(t, 2.0, row["price"])
}

func TestApplySnapshot_SkipsRowsWithoutKey(t *testing.T) {
	s := New("id")
	s.ApplySnapshot([]Row{
		{"id": "a", "price": 1.0},
		{"price": 2.0},
	})
	assert.Equal(t, 1, s.Len())
}

func TestApplyUpdate_ShallowMerge(t *testing.T) {
	s := New("id")
	s.ApplySnapshot(seedRows())

	applied := s.ApplyUpdate("a", Row{"price": 11.5})
	assert.True(t, applied)

	row, _ := s.Get("a")
	assert.Equal(t, 11.5, row["price"])
	assert.Equal(t, 1.0, row["qty"]) // unspecified fields retained
}

func TestApplyUpdate_UnknownKeyIgnoredByDefault(t *testing.T) {
	s := New("id")
	s.ApplySnapshot(seedRows())

	applied := s.ApplyUpdate("zz", Row{"price": 1.0})
	assert.False(t, applied)
	assert.Equal(t, 3, s.Len())
}

func TestApplyUpdate_InsertUnknownPolicy(t *testing.T) {
	s := New("id", WithUnknownKeyPolicy(InsertUnknown))
	s.ApplySnapshot(seedRows())

	applied := s.ApplyUpdate("d", Row{"price": 40.0})
	assert.True(t, applied)

	row, ok := s.Get("d")
	require.True(t, ok)
	assert.Equal(t, "d", row["id"])
	assert.Equal(t, 40.0, row["price"])
}

func TestApplyUpdate_NumericKeyMatchesSnapshotKey(t *testing.T) {
	s := New("id")
	s.ApplySnapshot([]Row{{"id": 5.0, "price": 1.0}})

	assert.True(t, s.ApplyUpdate(5.0, Row{"price": 2.0}))
	row, _ := s.Get(5.0)
	assert.Equal(t, 2.0, row["price"])
}

func TestApplyBatch_DisjointKeysOrderIndependent(t *testing.T) {
	forward := New("id")
	forward.ApplySnapshot(seedRows())
	forward.ApplyBatch([]Update{
		{Key: "a", Fields: Row{"price": 100.0}},
		{Key: "b", Fields: Row{"price": 200.0}},
	})

	reversed := New("id")
	reversed.ApplySnapshot(seedRows())
	reversed.ApplyBatch([]Update{
		{Key: "b", Fields: Row{"price": 200.0}},
		{Key: "a", Fields: Row{"price": 100.0}},
	})

	assert.Equal(t, forward.GetAll(), reversed.GetAll())
}

func TestApplyBatch_SameKeyLastWins(t *testing.T) {
	s := New("id")
	s.ApplySnapshot(seedRows())

	s.ApplyBatch([]Update{
		{Key: "a", Fields: Row{"price": 1.0}},
		{Key: "a", Fields: Row{"price": 2.0}},
		{Key: "a", Fields: Row{"price": 3.0}},
	})

	row, _ := s.Get("a")
	assert.Equal(t, 3.0, row["price"])
}

func TestApplyBatch_ReportsPerUpdateOutcomes(t *testing.T) {
	s := New("id")
	s.ApplySnapshot(seedRows())

	outcomes := s.ApplyBatch([]Update{
		{Key: "a", Fields: Row{"price": 1.0}},
		{Key: "missing", Fields: Row{"price": 2.0}},
	})
	assert.Equal(t, []bool{true, false}, outcomes)
}

func TestApplyDelete(t *testing.T) {
	s := New("id")
	s.ApplySnapshot(seedRows())

	assert.True(t, s.ApplyDelete("b"))
	assert.Equal(t, 2, s.Len())
	_, ok := s.Get("b")
	assert.False(t, ok)

	// Remaining rows keep order and stay addressable
	rows := s.GetAll()
	assert.Equal(t, "a", rows[0]["id"])
	assert.Equal(t, "c", rows[1]["id"])
	row, ok := s.Get("c")
	require.True(t, ok)
	assert.Equal(t, 30.0, row["price"])
}

func TestApplyDelete_AbsentKeyIsNoOp(t *testing.T) {
	s := New("id")
	s.ApplySnapshot(seedRows())
	assert.False(t, s.ApplyDelete("zz"))
	assert.Equal(t, 3, s.Len())
}

func TestDeleteThenUpdate_Converges(t *testing.T) {
	// delete then update: update for unknown key drops silently
	s1 := New("id")
	s1.ApplySnapshot(seedRows())
	s1.ApplyDelete("a")
	assert.False(t, s1.ApplyUpdate("a", Row{"price": 99.0}))
	_, ok := s1.Get("a")
	assert.False(t, ok)

	// update then delete: both paths leave the key absent
	s2 := New("id")
	s2.ApplySnapshot(seedRows())
	assert.True(t, s2.ApplyUpdate("a", Row{"price": 99.0}))
	s2.ApplyDelete("a")
	_, ok = s2.Get("a")
	assert.False(t, ok)
}

func TestClear(t *testing.T) {
	s := New("id")
	s.ApplySnapshot(seedRows())
	s.Clear()

	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.GetAll())

	// Updates against a cleared store drop
	assert.False(t, s.ApplyUpdate("a", Row{"price": 1.0}))
}

func TestGetAll_ReturnsCopies(t *testing.T) {
	s := New("id")
	s.ApplySnapshot(seedRows())

	rows := s.GetAll()
	rows[0]["price"] = -1.0

	fresh, _ := s.Get("a")
	assert.Equal(t, 10.0, fresh["price"])
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	s := New("id")
	s.ApplySnapshot(seedRows())

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					for _, row := range s.GetAll() {
						_ = row["price"]
					}
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		s.ApplyUpdate("a", Row{"price": float64(i)})
		if i%100 == 0 {
			s.ApplyBatch([]Update{
				{Key: "b", Fields: Row{"price": float64(i)}},
				{Key: "c", Fields: Row{"price": float64(i)}},
			})
		}
	}
	close(stop)
	wg.Wait()

	row, _ := s.Get("a")
	assert.Equal(t, 499.0, row["price"])
}
