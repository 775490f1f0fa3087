package repositories

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-centralrepo/pkg/correlation"
	"github.com/ekaya-inc/ekaya-centralrepo/pkg/schema"
	sqlpkg "github.com/ekaya-inc/ekaya-centralrepo/pkg/sql"
)

// CorrelationTypeRepository manages the dynamic type catalog.
type CorrelationTypeRepository interface {
	// NewCorrelationType registers t and creates its tables in the same
	// transaction. A negative t.ID asks the repository to pick one.
	NewCorrelationType(ctx context.Context, t correlation.Type) (int, error)
	GetCorrelationTypeByID(ctx context.Context, id int) (correlation.Type, error)
	UpdateCorrelationType(ctx context.Context, t correlation.Type) error
	DefinedCorrelationTypes(ctx context.Context) ([]correlation.Type, error)
	EnabledCorrelationTypes(ctx context.Context) ([]correlation.Type, error)
	SupportedCorrelationTypes(ctx context.Context) ([]correlation.Type, error)
}

func (r *centralRepository) NewCorrelationType(ctx context.Context, t correlation.Type) (int, error) {
	if err := checkType(t); err != nil {
		return 0, err
	}
	err := r.writeTx(ctx, "create correlation type", func(q sqlpkg.Querier) error {
		id, err := r.registry.AddType(ctx, q, t)
		if err != nil {
			return err
		}
		t.ID = id
		return schema.ExecAll(ctx, q, r.builder.TypeStatements(t))
	})
	if err != nil {
		return 0, err
	}
	r.types.Add(t.ID, t)
	r.logger.Info("Registered correlation type",
		zap.Int("id", t.ID),
		zap.String("name", t.DisplayName),
		zap.String("table", t.InstanceTable()))
	return t.ID, nil
}

func (r *centralRepository) GetCorrelationTypeByID(ctx context.Context, id int) (correlation.Type, error) {
	var t correlation.Type
	err := r.read(ctx, "get correlation type", func(q sqlpkg.Querier) error {
		var err error
		t, err = r.lookupType(ctx, q, id)
		return err
	})
	return t, err
}

func (r *centralRepository) UpdateCorrelationType(ctx context.Context, t correlation.Type) error {
	if err := checkType(t); err != nil {
		return err
	}
	err := r.write(ctx, "update correlation type", func(q sqlpkg.Querier) error {
		return r.registry.UpdateType(ctx, q, t)
	})
	r.types.Remove(t.ID)
	return err
}

func (r *centralRepository) DefinedCorrelationTypes(ctx context.Context) ([]correlation.Type, error) {
	return r.listTypes(ctx, "list correlation types", r.registry.DefinedTypes)
}

func (r *centralRepository) EnabledCorrelationTypes(ctx context.Context) ([]correlation.Type, error) {
	return r.listTypes(ctx, "list enabled correlation types", r.registry.EnabledTypes)
}

func (r *centralRepository) SupportedCorrelationTypes(ctx context.Context) ([]correlation.Type, error) {
	return r.listTypes(ctx, "list supported correlation types", r.registry.SupportedTypes)
}

func (r *centralRepository) listTypes(ctx context.Context, op string, list func(context.Context, sqlpkg.Querier) ([]correlation.Type, error)) ([]correlation.Type, error) {
	var types []correlation.Type
	err := r.read(ctx, op, func(q sqlpkg.Querier) error {
		var err error
		types, err = list(ctx, q)
		return err
	})
	return types, err
}

// lookupType returns a cached type or reads it from the registry.
func (r *centralRepository) lookupType(ctx context.Context, q sqlpkg.Querier, id int) (correlation.Type, error) {
	if t, ok := r.types.Get(id); ok {
		return t, nil
	}
	t, err := r.registry.TypeByID(ctx, q, id)
	if err != nil {
		return correlation.Type{}, err
	}
	r.types.Add(id, t)
	return t, nil
}
