package main

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"cellrunner/internal/auth"
	"cellrunner/internal/relay"
)

//go:embed cellrunner.service
var systemdService string

const listen = "localhost:22124"

// run streams the output of a local command while it runs.
func run(name string, args ...string) error {
	sinks := relay.Sinks{
		Stdout: func(text string) { fmt.Fprint(os.Stdout, text) },
		Stderr: func(text string) { fmt.Fprint(os.Stderr, text) },
	}
	r, err := relay.Launch(name, args, sinks)
	if err != nil {
		return err
	}
	code, err := r.Pump(context.Background(), 50*time.Millisecond, nil)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%s exited with code %d", name, code)
	}
	return nil
}

func main() {
	if len(os.Args) != 3 {
		fmt.Println("Usage: go run ./cmd/install <hostname> <username>")
		fmt.Println("Example: go run ./cmd/install myserver.example.com myuser")
		os.Exit(1)
	}

	hostname := os.Args[1]
	username := os.Args[2]

	fmt.Printf("Installing cellrunner to %s as user %s\n", hostname, username)

	fmt.Println("Building cellrunner binary...")
	if err := run("go", "build", "-o", "cellrunner", "./cmd/cellrunner"); err != nil {
		log.Fatalf("Failed to build binary: %v", err)
	}
	defer func() { _ = os.Remove("cellrunner") }()

	token, err := auth.GenerateToken()
	if err != nil {
		log.Fatalf("Failed to generate token: %v", err)
	}

	serviceContent := strings.NewReplacer("{{USER}}", username, "{{LISTEN}}", listen).Replace(systemdService)
	tmpServiceFile, err := os.CreateTemp("", "cellrunner-*.service")
	if err != nil {
		log.Fatalf("Failed to create service file: %v", err)
	}
	defer func() { _ = os.Remove(tmpServiceFile.Name()) }()
	if _, err := tmpServiceFile.WriteString(serviceContent); err != nil {
		log.Fatalf("Failed to write service file: %v", err)
	}
	_ = tmpServiceFile.Close()

	fmt.Println("Copying binary and service file to remote server...")
	if err := run("scp", "cellrunner", fmt.Sprintf("root@%s:/home/%s/cellrunner", hostname, username)); err != nil {
		log.Fatalf("Failed to copy binary: %v", err)
	}
	if err := run("scp", tmpServiceFile.Name(), fmt.Sprintf("root@%s:/etc/systemd/system/cellrunner.service", hostname)); err != nil {
		log.Fatalf("Failed to copy service file: %v", err)
	}

	// The token is hex, so it needs no quoting.
	fmt.Println("Installing and starting systemd service...")
	installScript := fmt.Sprintf(`
		set -e
		chown %[1]s:%[1]s /home/%[1]s/cellrunner
		chmod +x /home/%[1]s/cellrunner
		mkdir -p /var/lib/cellrunner
		chown %[1]s:%[1]s /var/lib/cellrunner
		printf %%s %[2]s | sudo -u %[1]s /home/%[1]s/cellrunner add-token --from-stdin --state-dir /var/lib/cellrunner
		systemctl daemon-reload
		systemctl enable cellrunner
		systemctl restart cellrunner
		systemctl status --no-pager cellrunner
	`, username, token)
	if err := run("ssh", fmt.Sprintf("root@%s", hostname), installScript); err != nil {
		log.Fatalf("Failed to install service: %v", err)
	}

	fmt.Println("\n=== Installation Complete ===")
	fmt.Printf("cellrunner is listening on %s on %s\n", listen, hostname)
	fmt.Printf("Bearer token: %s\n", token)
	fmt.Println("\nForward the port over ssh or put a TLS proxy in front of it.")
	fmt.Println("Save the token securely - clients need it to connect.")
}
