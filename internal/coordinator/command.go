package coordinator

import (
	"context"

	"github.com/trafflux/petdb/internal/data"
	"github.com/trafflux/petdb/internal/store"
	"github.com/trafflux/petdb/options"
)

// Kind tags a queued command with the operation it performs.
type Kind uint8

const (
	FindAnimal Kind = iota + 1
	FindAnimals
	SaveAnimal
	RemoveAnimal
	FindModel
	SaveModel
)

func (k Kind) String() string {
	switch k {
	case FindAnimal:
		return "findAnimal"
	case FindAnimals:
		return "findAnimals"
	case SaveAnimal:
		return "saveAnimal"
	case RemoveAnimal:
		return "removeAnimal"
	case FindModel:
		return "findModel"
	case SaveModel:
		return "saveModel"
	}
	return "unknown"
}

// Command is a unit of work waiting for, or running on, the connection.
type Command struct {
	Kind    Kind
	Species string
	Props   data.M
	Fields  data.Fields
	Options *options.OpOptions
}

// Dispatcher executes commands against an open store.
type Dispatcher interface {
	Dispatch(ctx context.Context, st store.Store, cmd Command) (interface{}, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, st store.Store, cmd Command) (interface{}, error)

func (fn DispatcherFunc) Dispatch(ctx context.Context, st store.Store, cmd Command) (interface{}, error) {
	return fn(ctx, st, cmd)
}
