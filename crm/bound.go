package crm

import "context"

// Bound pairs a Service with an Invoker so callers never handle tokens.
type Bound struct {
	Service Service
	Invoker *Invoker
}

func NewBound(svc Service, inv *Invoker) *Bound {
	return &Bound{Service: svc, Invoker: inv}
}

func (b *Bound) CreateRecord(ctx context.Context, module string, data map[string]any) (RecordResult, error) {
	return Invoke(ctx, b.Invoker, "CreateRecord", func(ctx context.Context, token string) (RecordResult, error) {
		return b.Service.CreateRecord(ctx, token, module, data)
	})
}

func (b *Bound) UpdateRecord(ctx context.Context, module, id string, data map[string]any) error {
	return b.Invoker.Do(ctx, "UpdateRecord", func(ctx context.Context, token string) error {
		return b.Service.UpdateRecord(ctx, token, module, id, data)
	})
}

func (b *Bound) GetRecord(ctx context.Context, module, id string) (map[string]any, error) {
	return Invoke(ctx, b.Invoker, "GetRecord", func(ctx context.Context, token string) (map[string]any, error) {
		return b.Service.GetRecord(ctx, token, module, id)
	})
}

func (b *Bound) ListFields(ctx context.Context, module string) ([]Field, error) {
	return Invoke(ctx, b.Invoker, "ListFields", func(ctx context.Context, token string) ([]Field, error) {
		return b.Service.ListFields(ctx, token, module)
	})
}

func (b *Bound) CreateField(ctx context.Context, module string, spec FieldSpec) (Field, error) {
	return Invoke(ctx, b.Invoker, "CreateField", func(ctx context.Context, token string) (Field, error) {
		return b.Service.CreateField(ctx, token, module, spec)
	})
}
