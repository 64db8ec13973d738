package resolve

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/homecert/internal/model"
)

type mockLookup struct {
	mock.Mock
}

func (m *mockLookup) FindOrganization(ctx context.Context, name, orgType string) (*model.Organization, error) {
	args := m.Called(ctx, name, orgType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Organization), args.Error(1)
}

func (m *mockLookup) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Organization), args.Error(1)
}

func (m *mockLookup) FindCounty(ctx context.Context, name, state string) (*model.County, error) {
	args := m.Called(ctx, name, state)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.County), args.Error(1)
}

func (m *mockLookup) GetCounty(ctx context.Context, id string) (*model.County, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.County), args.Error(1)
}

func (m *mockLookup) FindCities(ctx context.Context, name, state string) ([]model.City, error) {
	args := m.Called(ctx, name, state)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.City), args.Error(1)
}

func (m *mockLookup) GetCity(ctx context.Context, id string) (*model.City, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.City), args.Error(1)
}

func (m *mockLookup) FindCommunity(ctx context.Context, name string) (*model.Community, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Community), args.Error(1)
}

func (m *mockLookup) GetCommunity(ctx context.Context, id string) (*model.Community, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Community), args.Error(1)
}

func (m *mockLookup) FindSubdivisions(ctx context.Context, name string) ([]model.Subdivision, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Subdivision), args.Error(1)
}

func (m *mockLookup) FindProgram(ctx context.Context, key string) (*model.Program, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Program), args.Error(1)
}

func (m *mockLookup) ListQuestions(ctx context.Context, programID string) ([]model.Question, error) {
	args := m.Called(ctx, programID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Question), args.Error(1)
}

func (m *mockLookup) FindFloorplan(ctx context.Context, name, ownerID string) (*model.Floorplan, error) {
	args := m.Called(ctx, name, ownerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Floorplan), args.Error(1)
}
