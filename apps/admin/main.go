package main

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/user"
	logsvc "github.com/trezcool/masomo/services/logger"
	"github.com/trezcool/masomo/storage/database"
	sqlxrepos "github.com/trezcool/masomo/storage/database/sqlx"
)

func main() {
	conf := core.Conf
	logger := logsvc.NewRollbarLogger(log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile), conf)

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := database.CreateIfNotExist(conf); err != nil {
			logger.Fatal("setting up database", err)
		}
	}

	db, err := database.Open(conf)
	if err != nil {
		logger.Fatal("opening database", err)
	}
	if err = database.Ping(db); err != nil {
		logger.Fatal("pinging database", err)
	}

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)
	user.InitValidators(validate, translator)

	// start CLI
	cli := commandLine{
		db:       db,
		usrSvc:   user.NewService(sqlxrepos.NewUserRepository(sqlx.NewDb(db, conf.Database.Engine))),
		validate: validate,
	}
	err = cli.run(os.Args)
	_ = db.Close()
	if err != nil {
		if err != errHelp {
			logger.Error("admin command failed", err)
			logger.Wait()
		}
		os.Exit(1)
	}
}
