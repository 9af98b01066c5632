package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/cutso/tornado-redisclient/client"
	"github.com/cutso/tornado-redisclient/internal/render"
	"github.com/cutso/tornado-redisclient/protocol"
)

var (
	// Print replies as JSON lines instead of redis-cli style text
	asJSON bool
)

func init() {
	flags := ExecCmd.Flags()

	flags.BoolVar(&asJSON, "json", false, "Print every reply as a JSON object on its own line")
}

var ExecCmd = &cobra.Command{
	Use:   "exec [command [arg...]]",
	Short: "Send a command, or pipeline commands read from stdin",
	Long: `Send a command and print its reply.

With no arguments, every non-empty stdin line is split on whitespace and sent
as a command. All of them are pipelined over one connection and the replies
are printed in order. Lines starting with # are skipped.

Usage
	redisclient exec SET greeting hello
	printf 'INCR hits\nGET hits\n' | redisclient exec --json

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer signalStop()

		conf, log, err := loadEnv(ctx)
		if err != nil {
			return err
		}

		defer log.Sync()

		loop, session, err := connect(ctx, conf, nil, log)
		if err != nil {
			return err
		}

		defer loop.Stop()
		defer func() {
			err = multierr.Append(err, session.Close())
		}()

		return runExec(ctx, session, args, cmd.InOrStdin(), cmd.OutOrStdout(), asJSON)
	},
}

type pipeliner interface {
	Pipeline(ctx context.Context, cmds ...protocol.Command) ([]client.Result, error)
}

func runExec(ctx context.Context, session pipeliner, args []string, in io.Reader, out io.Writer, asJSON bool) error {
	var cmds []protocol.Command

	if len(args) > 0 {
		cmd, err := commandFromFields(args)
		if err != nil {
			return err
		}

		cmds = append(cmds, cmd)
	} else {
		var err error
		if cmds, err = readCommands(in); err != nil {
			return err
		}
	}

	if len(cmds) == 0 {
		return nil
	}

	results, err := session.Pipeline(ctx, cmds...)
	if err != nil {
		return err
	}

	return printResults(out, results, asJSON)
}

// readCommands reads one command per line.
func readCommands(in io.Reader) ([]protocol.Command, error) {
	var cmds []protocol.Command

	scanner := bufio.NewScanner(in)
	for line := 1; scanner.Scan(); line++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}

		cmd, err := commandFromFields(fields)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		cmds = append(cmds, cmd)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return cmds, nil
}

func commandFromFields(fields []string) (protocol.Command, error) {
	args := make([]interface{}, len(fields))
	for i, field := range fields {
		args[i] = field
	}

	return protocol.NewCommand(args...)
}

func printResults(out io.Writer, results []client.Result, asJSON bool) error {
	for _, result := range results {
		if !asJSON {
			if _, err := fmt.Fprintln(out, render.ReplyText(result.Reply, result.Err)); err != nil {
				return err
			}
			continue
		}

		data, err := render.ReplyJSON(result.Reply, result.Err)
		if err != nil {
			return err
		}

		if _, err := fmt.Fprintf(out, "%s\n", data); err != nil {
			return err
		}
	}

	return nil
}
