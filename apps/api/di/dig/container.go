package dig_container

import (
	"fmt"
	"log"
	"os"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/dig"

	echoapi "github.com/trezcool/masomo/apps/api/echo"
	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/messaging"
	"github.com/trezcool/masomo/core/user"
	emailsvc "github.com/trezcool/masomo/services/email"
	logsvc "github.com/trezcool/masomo/services/logger"
	"github.com/trezcool/masomo/services/realtime"
	"github.com/trezcool/masomo/storage/database"
	inmemdb "github.com/trezcool/masomo/storage/database/inmem"
	sqlxrepos "github.com/trezcool/masomo/storage/database/sqlx"
)

type DBLoggerParam struct {
	dig.In
	Logger core.Logger `name:"dbLogger"`
}

type RTLoggerParam struct {
	dig.In
	Logger core.Logger `name:"rtLogger"`
}

// Closer is a resource released on shutdown, in reverse order of creation.
type Closer func() error

type Options struct {
	// InMemory stores everything in memory: nothing survives a restart.
	InMemory bool
	// Visualize prints the dependency graph (DOT) to stdout.
	Visualize bool
}

func newStdLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds|log.Lshortfile)
}

func newLogger(conf *core.Config) core.Logger {
	return logsvc.NewRollbarLogger(newStdLogger("API : "), conf)
}

func newDBLogger(conf *core.Config) core.Logger {
	return logsvc.NewRollbarLogger(newStdLogger("DB : "), conf)
}

func newRTLogger(conf *core.Config) core.Logger {
	return logsvc.NewRollbarLogger(newStdLogger("RT : "), conf)
}

type repos struct {
	dig.Out
	Users     user.Repository
	Messaging messaging.Repository
	Closer    Closer `group:"closers"`
}

func newRepos(opts Options) func(conf *core.Config, loggerParam DBLoggerParam) (repos, error) {
	return func(conf *core.Config, loggerParam DBLoggerParam) (repos, error) {
		logger := loggerParam.Logger
		if opts.InMemory {
			logger.Warn("using the in-memory database: data will be lost on shutdown")
			db := inmemdb.Open()
			return repos{
				Users:     inmemdb.NewUserRepository(db),
				Messaging: inmemdb.NewMessagingRepository(db),
				Closer:    func() error { return nil },
			}, nil
		}

		if err := database.CreateIfNotExist(conf); err != nil {
			return repos{}, errors.Wrap(err, "creating database")
		}
		db, err := database.OpenX(conf)
		if err != nil {
			return repos{}, errors.Wrap(err, "opening database")
		}
		if err = database.Migrate(db.DB); err != nil {
			_ = db.Close()
			return repos{}, err
		}
		logger.Info(fmt.Sprintf("connected to %s", conf.Database.Address()))
		return repos{
			Users:     sqlxrepos.NewUserRepository(db),
			Messaging: sqlxrepos.NewMessagingRepository(db),
			Closer:    db.Close,
		}, nil
	}
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func newHub(conf *core.Config, reg *prometheus.Registry, loggerParam RTLoggerParam) *realtime.Hub {
	return realtime.NewHub(conf.Realtime.SubscriberBuffer, loggerParam.Logger, realtime.NewMetrics(reg))
}

// newBroker picks the live feed transport: the local hub alone serves a single instance,
// postgres and redis share the feed between instances. The broker is closed when its Run returns.
func newBroker(opts Options) func(*core.Config, *realtime.Hub, messaging.Repository, RTLoggerParam) (realtime.Broker, error) {
	return func(conf *core.Config, hub *realtime.Hub, repo messaging.Repository, loggerParam RTLoggerParam) (realtime.Broker, error) {
		logger := loggerParam.Logger

		var broker realtime.Broker
		var err error
		switch conf.Realtime.Broker {
		case core.BrokerLocal, "":
			broker = hub
		case core.BrokerPostgres:
			if opts.InMemory {
				return nil, errors.New("the postgres broker requires the postgres database")
			}
			dsn := database.DataSourceName(conf, conf.Database.Name, false)
			broker, err = realtime.NewPostgresBroker(dsn, conf.Realtime, repo, hub, logger)
		case core.BrokerRedis:
			broker, err = realtime.NewRedisBroker(conf.Realtime, hub, logger)
		default:
			return nil, errors.Errorf("unknown realtime broker %q", conf.Realtime.Broker)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "starting %s broker", conf.Realtime.Broker)
		}
		logger.Info(fmt.Sprintf("live feed broker: %s", conf.Realtime.Broker))
		return broker, nil
	}
}

type messagingParams struct {
	dig.In
	Conf   *core.Config
	Logger core.Logger
	Repo   messaging.Repository
	Users  user.Repository
	Broker realtime.Broker
	Mailer core.EmailService
}

func newMessagingService(p messagingParams) messaging.ServiceInterface {
	opts := messaging.Options{MaxContentLength: p.Conf.Messaging.MaxContentLength}
	if p.Conf.Messaging.EmailNotifications {
		opts.Notifier = emailsvc.NewMessageNotifier(p.Users, p.Mailer, p.Logger, p.Conf)
	}
	return messaging.NewService(p.Repo, p.Broker, p.Logger, opts)
}

type serverParams struct {
	dig.In
	Conf         *core.Config
	Logger       core.Logger
	Validate     *validator.Validate
	Translator   ut.Translator
	UserSvc      user.ServiceInterface
	MessagingSvc messaging.ServiceInterface
}

func newServer(p serverParams) *echoapi.Server {
	return echoapi.NewServer(echoapi.Deps{
		Conf:         p.Conf,
		Logger:       p.Logger,
		Validate:     p.Validate,
		Translator:   p.Translator,
		UserSvc:      p.UserSvc,
		MessagingSvc: p.MessagingSvc,
	})
}

// New returns a new dependency injection dig.Container
func New(opts Options) *dig.Container {
	c := dig.New()

	must(c.Provide(core.GetConfig))
	must(c.Provide(newLogger))
	must(c.Provide(newDBLogger, dig.Name("dbLogger")))
	must(c.Provide(newRTLogger, dig.Name("rtLogger")))
	must(c.Provide(newRepos(opts)))
	must(c.Provide(newRegistry))
	must(c.Provide(newHub))
	must(c.Provide(newBroker(opts)))
	must(c.Provide(emailsvc.NewService))
	must(c.Provide(validator.New))
	must(c.Provide(core.NewTranslator))
	must(c.Provide(user.NewService))
	must(c.Provide(newMessagingService))
	must(c.Provide(newServer))

	if opts.Visualize {
		_ = dig.Visualize(c, os.Stdout)
	}
	return c
}

// must exits program if err happened
func must(err error) {
	if err != nil {
		log.Fatal(errors.Wrap(err, "failed to provide dependency").Error())
	}
}
