package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haivivi/companion/pkg/relationship"
)

// ActionKind discriminates action payloads in rule files.
type ActionKind string

const (
	KindSendDM           ActionKind = "send_dm"
	KindStartScenario    ActionKind = "start_scenario"
	KindPushNotification ActionKind = "push_notification"
	KindUpdateState      ActionKind = "update_state"
)

// Action is one of the action payload types below. The set is closed;
// [Dispatcher.Dispatch] handles every member.
type Action interface {
	Kind() ActionKind
	action()
}

// SendDM sends a direct message from the persona.
type SendDM struct {
	Message string `yaml:"message"`
}

// StartScenario opens a scripted scenario.
type StartScenario struct {
	Scenario string `yaml:"scenario"`
}

// PushNotification sends a device notification.
type PushNotification struct {
	Title string `yaml:"title"`
	Body  string `yaml:"body"`
}

// UpdateState changes the relationship directly.
type UpdateState struct {
	AffectionDelta int                    `yaml:"affection_delta"`
	Event          relationship.EventKind `yaml:"event,omitempty"`
	Note           string                 `yaml:"note,omitempty"`
}

func (SendDM) Kind() ActionKind           { return KindSendDM }
func (StartScenario) Kind() ActionKind    { return KindStartScenario }
func (PushNotification) Kind() ActionKind { return KindPushNotification }
func (UpdateState) Kind() ActionKind      { return KindUpdateState }

func (*SendDM) action()           {}
func (*StartScenario) action()    {}
func (*PushNotification) action() {}
func (*UpdateState) action()      {}

// Target is the (persona, user) pair an action is aimed at.
type Target struct {
	PersonaID string
	UserID    string
}

func (t Target) String() string { return t.PersonaID + "/" + t.UserID }

// Executor performs the side-effecting actions. Implementations report
// only success or failure.
type Executor interface {
	SendDM(ctx context.Context, t Target, a *SendDM) error
	StartScenario(ctx context.Context, t Target, a *StartScenario) error
	PushNotification(ctx context.Context, t Target, a *PushNotification) error
}

// StateUpdater applies UpdateState actions. *relationship.Manager
// implements it.
type StateUpdater interface {
	Apply(ctx context.Context, personaID, userID string, c relationship.Change) (*relationship.State, error)
}

// ErrNoExecutor is returned for actions the dispatcher has no executor for.
var ErrNoExecutor = errors.New("trigger: no executor for action")

// Dispatcher routes actions to their executor.
type Dispatcher struct {
	Exec  Executor
	State StateUpdater
}

// Dispatch performs a.
func (d *Dispatcher) Dispatch(ctx context.Context, t Target, a Action) error {
	switch a := a.(type) {
	case *SendDM:
		if d.Exec == nil {
			return fmt.Errorf("%w: %s", ErrNoExecutor, a.Kind())
		}
		return d.Exec.SendDM(ctx, t, a)
	case *StartScenario:
		if d.Exec == nil {
			return fmt.Errorf("%w: %s", ErrNoExecutor, a.Kind())
		}
		return d.Exec.StartScenario(ctx, t, a)
	case *PushNotification:
		if d.Exec == nil {
			return fmt.Errorf("%w: %s", ErrNoExecutor, a.Kind())
		}
		return d.Exec.PushNotification(ctx, t, a)
	case *UpdateState:
		if d.State == nil {
			return fmt.Errorf("%w: %s", ErrNoExecutor, a.Kind())
		}
		ch := relationship.Change{Delta: a.AffectionDelta}
		if a.Event != "" {
			ch.Events = []relationship.Event{{Kind: a.Event, Delta: a.AffectionDelta, Note: a.Note}}
		}
		_, err := d.State.Apply(ctx, t.PersonaID, t.UserID, ch)
		return err
	}
	return fmt.Errorf("trigger: unknown action %T", a)
}

func validateAction(a Action) error {
	switch a := a.(type) {
	case *SendDM:
		if a.Message == "" {
			return errors.New("send_dm: message is empty")
		}
	case *StartScenario:
		if a.Scenario == "" {
			return errors.New("start_scenario: scenario is empty")
		}
	case *PushNotification:
		if a.Title == "" && a.Body == "" {
			return errors.New("push_notification: title and body are empty")
		}
	case *UpdateState:
		if a.AffectionDelta == 0 && a.Event == "" {
			return errors.New("update_state: nothing to update")
		}
	default:
		return fmt.Errorf("unknown action %T", a)
	}
	return nil
}

// LogExecutor logs actions instead of performing them. The CLI uses it
// for dry runs.
type LogExecutor struct {
	Logger *slog.Logger
}

func (e LogExecutor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e LogExecutor) SendDM(_ context.Context, t Target, a *SendDM) error {
	e.logger().Info("send dm", "target", t.String(), "message", a.Message)
	return nil
}

func (e LogExecutor) StartScenario(_ context.Context, t Target, a *StartScenario) error {
	e.logger().Info("start scenario", "target", t.String(), "scenario", a.Scenario)
	return nil
}

func (e LogExecutor) PushNotification(_ context.Context, t Target, a *PushNotification) error {
	e.logger().Info("push notification", "target", t.String(), "title", a.Title, "body", a.Body)
	return nil
}
