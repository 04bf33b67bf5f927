package logsvc

import (
	"fmt"
	"log"
	"strings"

	"github.com/rollbar/rollbar-go"
	"github.com/rollbar/rollbar-go/errors"

	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/account"
)

// RollbarLogger reports to Rollbar and mirrors every entry on std.
type RollbarLogger struct {
	std   *log.Logger
	debug bool
}

var _ core.Logger = (*RollbarLogger)(nil)

func NewRollbarLogger(std *log.Logger, conf *core.Config) *RollbarLogger {
	rollbar.SetToken(conf.RollbarToken)
	rollbar.SetEnvironment(conf.Env)
	rollbar.SetServerHost(conf.Server.Host)
	rollbar.SetCodeVersion(conf.Build)
	rollbar.SetStackTracer(errors.StackTracer)
	return &RollbarLogger{std: std, debug: conf.Debug}
}

// Enable toggles reporting to Rollbar; std output is unaffected.
func (l RollbarLogger) Enable(enabled bool) {
	rollbar.SetEnabled(enabled)
}

// entry splits log args into what Rollbar understands.
// Accepted args: error, map[string]interface{}, account.Account and anything printable.
type entry struct {
	err    error
	custom map[string]interface{}
	acc    *account.Account
	extra  []string
}

func newEntry(args []interface{}) entry {
	var e entry
	for _, arg := range args {
		switch v := arg.(type) {
		case nil:
		case error:
			if e.err == nil {
				e.err = v
			} else {
				e.extra = append(e.extra, v.Error())
			}
		case account.Account:
			if e.acc == nil {
				acc := v
				e.acc = &acc
			}
		case map[string]interface{}:
			if e.custom == nil {
				e.custom = make(map[string]interface{}, len(v))
			}
			for k, val := range v {
				e.custom[k] = val
			}
		default:
			e.extra = append(e.extra, strings.TrimSpace(fmt.Sprint(v)))
		}
	}
	return e
}

// rollbarArgs is the argument list for rollbar.Log. The account is never part of it.
func (e entry) rollbarArgs(msg string) []interface{} {
	args := []interface{}{msg}
	if e.err != nil {
		args = append(args, e.err)
	}
	custom := e.custom
	if len(e.extra) > 0 {
		custom = core.MergeFields(custom, core.Fields{"extra": e.extra})
	}
	if len(custom) > 0 {
		args = append(args, map[string]interface{}(custom))
	}
	return args
}

func (l RollbarLogger) log(level, msg string, args []interface{}) {
	e := newEntry(args)

	if e.acc != nil {
		rollbar.SetPerson(e.acc.ID, e.acc.Username, e.acc.Email)
	} else {
		rollbar.ClearPerson()
	}
	rollbar.Log(level, e.rollbarArgs(msg)...)

	l.std.Printf("[%s] %s", strings.ToUpper(level), msg)
	if e.err != nil {
		l.std.Printf("%+v", e.err)
	}
	for _, x := range e.extra {
		l.std.Println(x)
	}
	if len(e.custom) > 0 {
		l.std.Printf("%v", e.custom)
	}
}

func (l RollbarLogger) Debug(msg string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.log(rollbar.DEBUG, msg, args)
}

func (l RollbarLogger) Info(msg string, args ...interface{}) {
	l.log(rollbar.INFO, msg, args)
}

func (l RollbarLogger) Warn(msg string, args ...interface{}) {
	l.log(rollbar.WARN, msg, args)
}

func (l RollbarLogger) Error(msg string, args ...interface{}) {
	l.log(rollbar.ERR, msg, args)
}

func (l RollbarLogger) Fatal(msg string, args ...interface{}) {
	l.log(rollbar.CRIT, msg, args)
	rollbar.Wait()
	l.std.Fatal(msg)
}
