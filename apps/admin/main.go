package main

import (
	"log"
	"os"

	dig_container "github.com/trezcool/lecturelog/apps/api/di/dig"
	"github.com/trezcool/lecturelog/core"
	"github.com/trezcool/lecturelog/core/account"
	"github.com/trezcool/lecturelog/core/lecture"
	"github.com/trezcool/lecturelog/core/subject"
)

var logger *log.Logger

func main() {
	logger = log.New(os.Stderr, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	var cli commandLine
	container := dig_container.New()
	err := container.Invoke(func(
		conf *core.Config,
		accSvc account.Service,
		lectureSvc lecture.Service,
		subjectSvc subject.Service,
	) {
		cli = commandLine{
			conf:       conf,
			accSvc:     accSvc,
			lectureSvc: lectureSvc,
			subjectSvc: subjectSvc,
			out:        os.Stdout,
		}
	})
	errAndDie(err)

	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Printf("error: %s\n", err)
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
