package main

import (
	"log"

	"github.com/ShariarAlamDipto/grademax-sub001/app"
)

func main() {
	if err := app.SetupAndRun(); err != nil {
		log.Fatal(err)
	}
}
