package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/companion/cmd/companion/internal/app"
	"github.com/haivivi/companion/pkg/agent"
	"github.com/haivivi/companion/pkg/cli"
)

var (
	chatScript      string
	chatHighQuality bool
	chatEndSession  bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Talk to a persona",
	Long: `Talk to a persona.

With a message argument, one turn is sent. With --script, the turns of a YAML
or JSON script are replayed ("-" reads stdin). Otherwise an interactive
session reads lines from stdin; "/end" closes the session and "/quit" exits.

Script format:
  persona: mika
  user: alice
  turns:
    - Hi there!
    - message: Tell me something you remember about me.
      high_quality: true

Examples:
  companion chat "Good morning"
  companion chat --script turns.yaml --end-session
  companion chat --format json --script -  < turns.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var script *cli.Script
		if chatScript != "" {
			s, err := cli.LoadScript(chatScript)
			if err != nil {
				return err
			}
			script = s
			if personaID == "" && s.Persona != "" {
				personaID = s.Persona
			}
			if userID == "" && s.User != "" {
				userID = s.User
			}
		}

		a, c, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		pid, uid, err := pair(c)
		if err != nil {
			return err
		}
		p, err := a.Personas.Get(cmd.Context(), pid)
		if err != nil {
			return err
		}
		s := &chatSession{app: a, persona: pid, name: p.Name, user: uid, echo: script != nil}

		ctx := cmd.Context()
		switch {
		case script != nil:
			for _, t := range script.Turns {
				if err := s.send(ctx, t.Message, t.HighQuality || chatHighQuality); err != nil {
					return err
				}
			}
		case len(args) == 1:
			if err := s.send(ctx, args[0], chatHighQuality); err != nil {
				return err
			}
		default:
			if err := s.interactive(ctx); err != nil {
				return err
			}
		}
		if chatEndSession {
			return s.end(ctx)
		}
		return nil
	},
}

// turnView is the structured output of one turn.
type turnView struct {
	Message        string   `json:"message" yaml:"message"`
	Reply          string   `json:"reply" yaml:"reply"`
	Emotion        string   `json:"emotion" yaml:"emotion"`
	InnerThought   string   `json:"inner_thought,omitempty" yaml:"inner_thought,omitempty"`
	AffectionDelta int      `json:"affection_delta" yaml:"affection_delta"`
	Affection      int      `json:"affection" yaml:"affection"`
	Stage          string   `json:"stage" yaml:"stage"`
	Model          string   `json:"model,omitempty" yaml:"model,omitempty"`
	Degraded       bool     `json:"degraded,omitempty" yaml:"degraded,omitempty"`
	Issues         []string `json:"issues,omitempty" yaml:"issues,omitempty"`
	Memories       []string `json:"memories,omitempty" yaml:"memories,omitempty"`
	Event          string   `json:"event,omitempty" yaml:"event,omitempty"`
	Error          string   `json:"error,omitempty" yaml:"error,omitempty"`
}

type chatSession struct {
	app     *app.App
	persona string
	name    string
	user    string

	// echo prints user lines, for scripted turns.
	echo bool
}

func (s *chatSession) send(ctx context.Context, msg string, hq bool) error {
	start := time.Now()
	res, err := s.app.Agent.Chat(ctx, agent.Turn{
		PersonaID:   s.persona,
		UserID:      s.user,
		Message:     msg,
		HighQuality: hq,
	})
	elapsed := time.Since(start)

	if err != nil {
		te, ok := agent.AsTurnError(err)
		if !ok || !te.Retryable() {
			return err
		}
		PrintVerbosef("turn failed: %v", te.Err)
		if s.structured() {
			return output(turnView{Message: msg, Error: te.UserMessage})
		}
		s.printUser(msg)
		fmt.Println(cli.FormatLine(cli.DefaultStyles, cli.Line{Speaker: s.name, Warning: te.UserMessage}))
		return nil
	}

	v := turnView{
		Message:        msg,
		Reply:          res.Reply,
		Emotion:        string(res.Emotion),
		InnerThought:   res.InnerThought,
		AffectionDelta: res.AffectionDelta,
		Model:          res.Model,
		Degraded:       res.Degraded,
	}
	if res.Relationship != nil {
		v.Affection = res.Relationship.Affection
		v.Stage = string(res.Relationship.Stage)
	}
	for _, is := range res.Issues {
		v.Issues = append(v.Issues, is.Code)
	}
	for _, m := range res.Memories {
		v.Memories = append(v.Memories, m.Content)
	}
	if res.Event != nil {
		v.Event = res.Event.ID
	}
	if s.structured() {
		return output(v)
	}

	s.printUser(msg)
	line := cli.Line{
		Speaker: s.name,
		Text:    res.Reply,
		Emotion: v.Emotion,
		Thought: res.InnerThought,
	}
	switch {
	case res.Degraded:
		line.Warning = fmt.Sprintf("budget limit reached (%s tier)", res.Tier)
	case res.Corrected:
		line.Warning = "corrected: " + strings.Join(v.Issues, ", ")
	default:
		line.Meta = fmt.Sprintf("%s · affection %s → %d (%s) · %s",
			res.Model, cli.FormatDelta(res.AffectionDelta), v.Affection, v.Stage, cli.FormatDuration(elapsed))
	}
	fmt.Println(cli.FormatLine(cli.DefaultStyles, line))
	for _, m := range v.Memories {
		cli.PrintInfo("remembered: %s", m)
	}
	if v.Event != "" {
		cli.PrintInfo("trigger fired: %s", v.Event)
	}
	return nil
}

func (s *chatSession) structured() bool {
	return formatOutput == string(cli.FormatJSON) || formatOutput == string(cli.FormatYAML)
}

func (s *chatSession) printUser(msg string) {
	if s.echo {
		fmt.Println(cli.FormatLine(cli.DefaultStyles, cli.Line{Speaker: s.user, Text: msg, User: true}))
	}
}

func (s *chatSession) interactive(ctx context.Context) error {
	cli.PrintInfo("Chatting with %s as %s. /end closes the session, /quit exits.", s.name, s.user)
	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(cli.DefaultStyles.User.Render(s.user) + "> ")
		if !sc.Scan() {
			fmt.Println()
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/end":
			if err := s.end(ctx); err != nil {
				return err
			}
			continue
		}
		if err := s.send(ctx, line, chatHighQuality); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// end closes the pair's session and prints its summary.
func (s *chatSession) end(ctx context.Context) error {
	sum, err := s.app.Agent.EndSession(ctx, s.persona, s.user)
	if err != nil {
		return err
	}
	if sum == nil {
		cli.PrintInfo("Nothing to summarize.")
		return nil
	}
	if s.structured() {
		return output(sum)
	}
	cli.PrintSuccess("Session closed: %s", sum.Summary)
	if len(sum.Topics) > 0 {
		cli.PrintInfo("topics: %s", strings.Join(sum.Topics, ", "))
	}
	return nil
}

func init() {
	chatCmd.Flags().StringVarP(&chatScript, "script", "s", "", "replay turns from a YAML/JSON script (- for stdin)")
	chatCmd.Flags().BoolVar(&chatHighQuality, "high-quality", false, "ask for the escalation model")
	chatCmd.Flags().BoolVar(&chatEndSession, "end-session", false, "summarize and close the session afterwards")
	rootCmd.AddCommand(chatCmd)
}
