package sqlite

import (
	"context"
	"database/sql/driver"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

func TestToReal(t *testing.T) {
	tests := []struct {
		in      driver.Value
		want    driver.Value
		wantErr bool
	}{
		{nil, nil, false},
		{"1.20", 1.2, false},
		{" 3 ", 3.0, false},
		{"", nil, false},
		{[]byte("-0.5"), -0.5, false},
		{int64(4), 4.0, false},
		{2.5, 2.5, false},
		{"abc", nil, true},
		{"1,20", nil, true},
	}
	for _, tt := range tests {
		got, err := toReal(nil, []driver.Value{tt.in})
		if (err != nil) != tt.wantErr {
			t.Errorf("toReal(%v) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("toReal(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestGenUUID(t *testing.T) {
	a, _ := genUUID(nil, nil)
	b, _ := genUUID(nil, nil)
	if a == b || len(a.(string)) != 36 {
		t.Fatalf("genUUID = %v, %v", a, b)
	}
}

func TestRegisterFunctions_Idempotent(t *testing.T) {
	if err := registerFunctions(); err != nil {
		t.Fatal(err)
	}
	if err := registerFunctions(); err != nil {
		t.Fatal(err)
	}
}

func TestIsTransient_Busy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.db")
	open := func() *Repository {
		r, closeFn, err := NewRepository(context.Background(), Config{
			DSN:             path,
			StagingTable:    "s",
			CheckpointTable: "c",
			BusyTimeout:     10 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("NewRepository: %v", err)
		}
		t.Cleanup(closeFn)
		return r
	}
	a, b := open(), open()
	ctx := context.Background()

	held, err := a.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer held.Rollback(ctx)

	_, err = b.Begin(ctx)
	if err == nil {
		t.Fatal("second writer started while the first holds the lock")
	}
	var se *sqlite.Error
	if !errors.As(err, &se) || se.Code()&0xff != sqlite3.SQLITE_BUSY {
		t.Fatalf("error = %v, want SQLITE_BUSY", err)
	}
	if !b.IsTransient(err) {
		t.Fatalf("busy error not transient: %v", err)
	}
	if b.IsTransient(errors.New("x")) || b.IsTransient(nil) {
		t.Fatal("plain errors are not transient")
	}
}
