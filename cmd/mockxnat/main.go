package main

import (
	"flag"
	"log"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// mockxnat serves a small fixture project over the remote repository's wire
// protocol. It backs integration testing and local development of clients
// without a real archive to talk to.
func main() {
	port := flag.String("port", "8080", "port to listen on")
	user := flag.String("user", "", "required login user. Empty accepts anyone")
	password := flag.String("password", "", "password of --user")
	secret := flag.String("secret", "", "session token signing secret. Empty generates one")
	flag.Parse()

	signingSecret := *secret
	if signingSecret == "" {
		signingSecret = uuid.NewString()
	}

	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	server := NewServer(DefaultFixture(), []byte(signingSecret), *user, *password)
	server.Register(e)

	log.Println("registered routes:")
	for _, r := range e.Routes() {
		log.Println(r.Method, r.Path)
	}

	e.Logger.Fatal(e.Start(":" + *port))
}
