package main

import (
	"context"

	"github.com/artpar/sop/auth"
	"github.com/artpar/sop/core/app"
	"github.com/artpar/sop/core/entity"
	"github.com/artpar/sop/core/parsing"
)

// Widget is the demo root type.
type Widget struct {
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`
}

// Gadget is a Widget with a color.
type Gadget struct {
	Color string `json:"color,omitempty"`
}

// Note is owned by the user that created it.
type Note struct {
	Owner string `json:"owner"`
	Text  string `json:"text"`
}

func declareDemo(a *app.App) error {
	widget, err := app.Declare[Widget](a, entity.Descriptor{
		Setup: func(t *entity.Type) error {
			if err := t.ClassMethod("count", func(ctx context.Context, t *entity.Type) (int64, error) {
				all, err := t.GetAll(ctx)
				return int64(len(all)), err
			}); err != nil {
				return err
			}
			return t.InstanceMethod("grow", func(ctx context.Context, inst *entity.Instance, by int64) (int64, error) {
				var n int64
				if size, ok := inst.Field("size"); ok {
					v, err := parsing.Parse[int64](inst.Type().Registry(), size)
					if err != nil {
						return 0, err
					}
					n = v
				}
				if err := inst.Set(ctx, "size", n+by); err != nil {
					return 0, err
				}
				return n + by, inst.PushUpdates(ctx)
			}, "by")
		},
	})
	if err != nil {
		return err
	}

	_, err = app.Declare[Gadget](a, entity.Descriptor{
		Parents: []*entity.Type{widget},
		Setup: func(t *entity.Type) error {
			return t.InstanceMethod("paint", func(ctx context.Context, inst *entity.Instance, color string) error {
				if err := inst.Set(ctx, "color", color); err != nil {
					return err
				}
				return inst.PushUpdates(ctx)
			}, "color")
		},
	})
	return err
}

func declareNotes(a *app.App) error {
	_, err := app.Declare[Note](a, entity.Descriptor{
		Setup: func(t *entity.Type) error {
			t.Restrict(auth.RequiresOwner(), entity.OpCreate, entity.OpUpdateByID, entity.OpDeleteByID, "set", "delete")
			t.Restrict(auth.Authenticated(), entity.OpGetAll, entity.OpGetMany, entity.OpGetByID)
			return nil
		},
	})
	return err
}
