package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"stevedore/internal/store"
)

// MockStore is a mock implementation of store.Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Exists(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) Read(ctx context.Context, key string, opts *store.ReadOptions) (*store.Object, error) {
	args := m.Called(ctx, key, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Object), args.Error(1)
}

func (m *MockStore) Write(ctx context.Context, key string, r io.Reader, meta store.Metadata) error {
	args := m.Called(ctx, key, r, meta)
	return args.Error(0)
}

func (m *MockStore) BeginMultipart(ctx context.Context, key string, meta store.Metadata) (store.Upload, error) {
	args := m.Called(ctx, key, meta)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(store.Upload), args.Error(1)
}

// MockUpload is a mock implementation of store.Upload
type MockUpload struct {
	mock.Mock
}

func (m *MockUpload) WritePart(ctx context.Context, index int, r io.Reader) (store.PartToken, error) {
	args := m.Called(ctx, index, r)
	return args.Get(0).(store.PartToken), args.Error(1)
}

func (m *MockUpload) Complete(ctx context.Context, parts []store.PartToken) error {
	args := m.Called(ctx, parts)
	return args.Error(0)
}

func (m *MockUpload) Abort(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
