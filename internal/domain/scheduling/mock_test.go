package scheduling

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// -- Mock Repositories --

type mockApptRepo struct {
	mu     sync.Mutex
	items  map[int64]*Appointment
	nextID int64

	// listErr, when set, is returned by ListActiveByDoctorDate.
	listErr error
	// createErr, when set, is returned by Create instead of storing.
	createErr error
}

func newMockApptRepo() *mockApptRepo {
	return &mockApptRepo{items: make(map[int64]*Appointment), nextID: 1}
}

func clone(a *Appointment) *Appointment {
	cp := *a
	return &cp
}

func (m *mockApptRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	a.ID = m.nextID
	m.nextID++
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	m.items[a.ID] = clone(a)
	return nil
}

func (m *mockApptRepo) GetByID(_ context.Context, id int64) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(a), nil
}

func (m *mockApptRepo) Update(_ context.Context, id int64, p *Patch) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	p.ApplyTo(a)
	a.UpdatedAt = time.Now()
	return clone(a), nil
}

func (m *mockApptRepo) UpdateStatus(_ context.Context, id int64, status Status) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return clone(a), nil
}

func (m *mockApptRepo) Delete(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[id]
	delete(m.items, id)
	return ok, nil
}

func (m *mockApptRepo) ListActiveByDoctorDate(_ context.Context, doctorID int64, date Date, excludeID int64) ([]*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*Appointment
	for _, a := range m.items {
		if a.DoctorID != doctorID || a.Date != date || !a.Status.Active() || a.ID == excludeID {
			continue
		}
		out = append(out, clone(a))
	}
	return out, nil
}

func (m *mockApptRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Appointment
	for _, a := range m.items {
		if f.PatientID != 0 && a.PatientID != f.PatientID {
			continue
		}
		if f.DoctorID != 0 && a.DoctorID != f.DoctorID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && a.Date.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && a.Date.After(f.To) {
			continue
		}
		all = append(all, clone(a))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Date != all[j].Date {
			return all[i].Date.Before(all[j].Date)
		}
		if all[i].StartTime != all[j].StartTime {
			return all[i].StartTime < all[j].StartTime
		}
		return all[i].ID < all[j].ID
	})
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockApptRepo) snapshot() (map[int64]*Appointment, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[int64]*Appointment, len(m.items))
	for id, a := range m.items {
		cp[id] = clone(a)
	}
	return cp, m.nextID
}

func (m *mockApptRepo) restore(items map[int64]*Appointment, nextID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = items
	m.nextID = nextID
}

// put stores a as-is, bypassing the service.
func (m *mockApptRepo) put(a *Appointment) *Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == 0 {
		a.ID = m.nextID
	}
	if a.ID >= m.nextID {
		m.nextID = a.ID + 1
	}
	m.items[a.ID] = clone(a)
	return a
}

type mockAvailabilityRepo struct {
	mu      sync.Mutex
	windows []*AvailabilityWindow
	nextID  int64
	listErr error
}

func newMockAvailabilityRepo() *mockAvailabilityRepo {
	return &mockAvailabilityRepo{nextID: 1}
}

func (m *mockAvailabilityRepo) ListByDoctorDay(_ context.Context, doctorID int64, day Weekday) ([]*AvailabilityWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*AvailabilityWindow
	for _, w := range m.windows {
		if w.DoctorID == doctorID && w.Day == day {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockAvailabilityRepo) ListByDoctor(_ context.Context, doctorID int64) ([]*AvailabilityWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AvailabilityWindow
	for _, w := range m.windows {
		if w.DoctorID == doctorID {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockAvailabilityRepo) Create(_ context.Context, w *AvailabilityWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.ID = m.nextID
	m.nextID++
	w.CreatedAt = time.Now()
	cp := *w
	m.windows = append(m.windows, &cp)
	return nil
}

func (m *mockAvailabilityRepo) Delete(_ context.Context, doctorID, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.windows {
		if w.ID == id && w.DoctorID == doctorID {
			m.windows = append(m.windows[:i], m.windows[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *mockAvailabilityRepo) add(doctorID int64, day Weekday, start, end ClockTime) {
	_ = m.Create(context.Background(), &AvailabilityWindow{DoctorID: doctorID, Day: day, StartTime: start, EndTime: end})
}

// fakeTx rolls the appointment repository back when fn fails, and can
// simulate a rejection raised at commit after fn succeeded.
type fakeTx struct {
	repo      *mockApptRepo
	calls     int
	commitErr error
	// beforeCommitFail runs after the rollback of a failed commit, e.g. to
	// insert the row of the transaction that won.
	beforeCommitFail func()
}

func (f *fakeTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.calls++
	items, next := f.repo.snapshot()
	if err := fn(ctx); err != nil {
		f.repo.restore(items, next)
		return err
	}
	if f.commitErr != nil {
		f.repo.restore(items, next)
		if f.beforeCommitFail != nil {
			f.beforeCommitFail()
		}
		return f.commitErr
	}
	return nil
}

var errBoom = errors.New("connection reset by peer")
