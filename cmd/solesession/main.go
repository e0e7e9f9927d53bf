package main

import (
	"flag"
	"os"
	"time"

	"github.com/getsentry/sentry-go"

	solesession "github.com/solesession/solesession"
)

var (
	flagBindAddr = flag.String("port", ":8018", "Bind address")
	flagPostgres = flag.String("db", "user=postgres dbname=solesession sslmode=disable", "Postgres DB connection string (see lib/pq docs)")
)

func main() {
	flag.Parse()
	if *flagPostgres == "" {
		flag.Usage()
		os.Exit(1)
	}
	if dsn := os.Getenv("SOLESESSION_SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     dsn,
			Release: solesession.Version,
		}); err != nil {
			panic(err)
		}
		defer sentry.Flush(2 * time.Second)
	}
	solesession.RunServer(*flagBindAddr, *flagPostgres)
}
