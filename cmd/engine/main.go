package main

import (
	"flag"
	"log"

	"segmentation-backend/internal/core/python"
	"segmentation-backend/plugin/shared"
)

// The engine binary is launched by the backend as a plugin process. Each
// request it receives is handed to a fresh run of the python script.
func main() {
	pythonExecutable := flag.String("python", "python3", "python interpreter used to run the script")
	script := flag.String("script", "", "path to the engine script")
	flag.Parse()

	if *script == "" {
		log.Fatalf("-script must be provided")
	}

	shared.Serve(&python.ScriptEngine{
		PythonExecutable: *pythonExecutable,
		Script:           *script,
	})
}
