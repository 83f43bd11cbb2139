package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joeycumines/go-amqpcore/opqueue"
	"github.com/joeycumines/go-amqpcore/transport"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type app struct {
	v      *viper.Viper
	logger *logiface.Logger[logiface.Event]
}

func newRootCommand() *cobra.Command {
	a := &app{v: viper.New()}
	a.v.SetEnvPrefix(`AMQPCORE`)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(`-`, `_`, `.`, `_`))
	a.v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           `amqpcore-echo`,
		Short:         `Echo server and correlated request/response client, over the pollable transport`,
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # echo server
  amqpcore-echo serve --listen 127.0.0.1:5672

  # in-process server and client, 1000 correlated frames
  AMQPCORE_LOG_LEVEL=debug amqpcore-echo run --count 1000 --payload-size 256`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(`log-level`, logiface.LevelInformational.String(), `log level (emerg, alert, crit, err, warning, notice, info, debug, trace, disabled)`)
	flags.Duration(`poll-interval`, opqueue.DefaultPollInterval, `maximum block between poll ticks, while waiting for a completion`)
	flags.Duration(`poll-timeout`, transport.DefaultPollTimeout, `maximum block within a single poll tick, reading or accepting`)
	a.bindFlags(``, flags)

	cmd.AddCommand(newServeCommand(a), newRunCommand(a))

	return cmd
}

// bindFlags binds flags to viper keys, prefixed by the command name, if any,
// e.g. AMQPCORE_RUN_COUNT for run's --count.
func (a *app) bindFlags(prefix string, flags *pflag.FlagSet) {
	flags.VisitAll(func(flag *pflag.Flag) {
		key := flag.Name
		if prefix != `` {
			key = prefix + `.` + key
		}
		if err := a.v.BindPFlag(key, flag); err != nil {
			panic(err)
		}
	})
}

func (a *app) init(cmd *cobra.Command) error {
	level, err := parseLevel(a.v.GetString(`log-level`))
	if err != nil {
		return err
	}
	if a.v.GetDuration(`poll-interval`) <= 0 {
		return errors.New(`poll-interval must be positive`)
	}
	if a.v.GetDuration(`poll-timeout`) <= 0 {
		return errors.New(`poll-timeout must be positive`)
	}
	a.logger = stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(cmd.ErrOrStderr())),
		stumpy.L.WithLevel(level),
	).Logger()
	return nil
}

func (a *app) queueOptions() []opqueue.Option {
	return []opqueue.Option{
		opqueue.WithLogger(a.logger),
		opqueue.WithPollInterval(a.v.GetDuration(`poll-interval`)),
	}
}

func (a *app) transportOptions() []transport.Option {
	return []transport.Option{
		transport.WithLogger(a.logger),
		transport.WithPollTimeout(a.v.GetDuration(`poll-timeout`)),
		transport.WithQueueOptions(opqueue.WithPollInterval(a.v.GetDuration(`poll-interval`))),
	}
}

func parseLevel(s string) (logiface.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == s {
			return level, nil
		}
	}
	return 0, fmt.Errorf(`invalid log level: %q`, s)
}
