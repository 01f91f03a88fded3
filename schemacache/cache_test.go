package schemacache

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/formsync_backend/clock"
	"github.com/mmdatafocus/formsync_backend/crm"
	"github.com/mmdatafocus/formsync_backend/models"
	"github.com/sirupsen/logrus"
)

type fakeSource struct {
	calls  atomic.Int32
	fields []crm.Field
	err    error
	gate   chan struct{}
}

func (s *fakeSource) ListFields(ctx context.Context, module string) ([]crm.Field, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.fields, nil
}

type memStore struct {
	mu   sync.Mutex
	rows map[string][]models.SchemaField
}

func (m *memStore) ListByModule(ctx context.Context, module string) ([]models.SchemaField, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.SchemaField(nil), m.rows[module]...), nil
}

func (m *memStore) ReplaceModule(ctx context.Context, module string, fields []models.SchemaField) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = map[string][]models.SchemaField{}
	}
	m.rows[module] = append([]models.SchemaField(nil), fields...)
	return nil
}

func (m *memStore) Upsert(ctx context.Context, field models.SchemaField) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = map[string][]models.SchemaField{}
	}
	m.rows[field.Module] = append(m.rows[field.Module], field)
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func leadFields() []crm.Field {
	return []crm.Field{
		{ApiName: "Last_Name", Label: "Last Name", DataType: crm.DataTypeText, MaxLength: 80},
		{ApiName: "Email", Label: "Email", DataType: crm.DataTypeEmail},
		{ApiName: "Lead_Source", Label: "Lead Source", DataType: crm.DataTypePicklist, PicklistValues: []string{"Web", "Referral"}},
	}
}

func TestGetCachesWithinTTL(t *testing.T) {
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	src := &fakeSource{fields: leadFields()}
	c := New(src, &memStore{}, nil, clk, quietLogger(), Options{TTL: 10 * time.Minute})
	ctx := context.Background()

	snap, err := c.Get(ctx, "Leads")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.Fields[0].ApiName != "Email" || snap.Fields[2].ApiName != "Last_Name" {
		t.Fatalf("snapshot must be sorted by api name, got %+v", snap.Fields)
	}
	if _, err := c.Get(ctx, "Leads"); err != nil || src.calls.Load() != 1 {
		t.Fatalf("second Get within TTL should hit cache, calls=%d err=%v", src.calls.Load(), err)
	}

	clk.Advance(10 * time.Minute)
	if _, err := c.Get(ctx, "Leads"); err != nil || src.calls.Load() != 2 {
		t.Fatalf("expired snapshot should refetch, calls=%d err=%v", src.calls.Load(), err)
	}
}

func TestGetServesStaleOnFailure(t *testing.T) {
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	src := &fakeSource{fields: leadFields()}
	c := New(src, nil, nil, clk, quietLogger(), Options{TTL: time.Minute})
	ctx := context.Background()
	if _, err := c.Get(ctx, "Leads"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	src.err = &crm.TransientNetworkError{Message: "down"}
	clk.Advance(2 * time.Minute)
	snap, err := c.Get(ctx, "Leads")
	if err != nil || len(snap.Fields) != 3 {
		t.Fatalf("expected stale snapshot, got %v %v", snap, err)
	}

	empty := New(src, nil, nil, clk, quietLogger(), Options{TTL: time.Minute})
	if _, err := empty.Get(ctx, "Leads"); err == nil {
		t.Fatalf("expected error with nothing cached")
	}
}

func TestRefreshPersistsAndWarmsFromStore(t *testing.T) {
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := &memStore{}
	src := &fakeSource{fields: leadFields()}
	first := New(src, store, nil, clk, quietLogger(), Options{TTL: time.Hour})
	if _, err := first.Refresh(context.Background(), "Leads"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	second := New(&fakeSource{err: errors.New("must not be called")}, store, nil, clk, quietLogger(), Options{TTL: time.Hour})
	snap, err := second.Get(context.Background(), "Leads")
	if err != nil {
		t.Fatalf("Get from store: %v", err)
	}
	f, ok := snap.Field("Lead_Source")
	if !ok || len(f.PicklistValues) != 2 {
		t.Fatalf("picklist lost through persistence: %+v", f)
	}
}

func TestAddFieldIsCopyOnWrite(t *testing.T) {
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(&fakeSource{fields: leadFields()}, &memStore{}, nil, clk, quietLogger(), Options{})
	ctx := context.Background()
	before, _ := c.Get(ctx, "Leads")

	after := c.AddField(ctx, "Leads", crm.Field{ApiName: "Favorite_Color", Label: "Favorite Color", DataType: crm.DataTypeText, IsCustom: true})
	if before.Has("Favorite_Color") {
		t.Fatalf("existing snapshot must not change")
	}
	if !after.Has("Favorite_Color") || len(after.Fields) != 4 {
		t.Fatalf("new snapshot missing field: %+v", after.Fields)
	}
	current, _ := c.Get(ctx, "Leads")
	if !current.Has("Favorite_Color") {
		t.Fatalf("cache should serve the extended snapshot")
	}
}

func TestConcurrentRefreshSharesFetch(t *testing.T) {
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	src := &fakeSource{fields: leadFields(), gate: make(chan struct{})}
	c := New(src, nil, nil, clk, quietLogger(), Options{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Refresh(context.Background(), "Leads")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()
	if src.calls.Load() != 1 {
		t.Fatalf("expected one upstream fetch, got %d", src.calls.Load())
	}
}

func TestPeriodicRefresh(t *testing.T) {
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	src := &fakeSource{fields: leadFields()}
	c := New(src, nil, nil, clk, quietLogger(), Options{RefreshInterval: time.Minute, Modules: []string{"Leads"}})
	c.Start(context.Background())
	defer c.Stop()

	clk.WaitForTimers(1)
	clk.Advance(time.Minute)
	deadline := time.Now().Add(2 * time.Second)
	for src.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if src.calls.Load() != 1 {
		t.Fatalf("expected periodic refresh, got %d calls", src.calls.Load())
	}
}
