package sandbox

import "strings"

type language struct {
	Image    string
	FileName string
	Compile  []string
	Run      string
}

func (l language) compiled() bool {
	return len(l.Compile) > 0
}

func defaultLanguages() map[string]language {
	return map[string]language{
		"python": {
			Image:    "python:3.11-alpine",
			FileName: "main.py",
			Run:      "python3 -B main.py",
		},
		"javascript": {
			Image:    "node:20-alpine",
			FileName: "main.js",
			Run:      "node main.js",
		},
		"go": {
			Image:    "golang:1.22-alpine",
			FileName: "main.go",
			Compile:  []string{"sh", "-c", "CGO_ENABLED=0 GOCACHE=/workspace/.gocache go build -o main main.go && rm -rf /workspace/.gocache"},
			Run:      "./main",
		},
		"c": {
			Image:    "gcc:13",
			FileName: "main.c",
			Compile:  []string{"gcc", "-O2", "-std=c17", "-o", "main", "main.c", "-lm"},
			Run:      "./main",
		},
		"cpp": {
			Image:    "gcc:13",
			FileName: "main.cpp",
			Compile:  []string{"g++", "-O2", "-std=c++17", "-o", "main", "main.cpp"},
			Run:      "./main",
		},
		"java": {
			Image:    "eclipse-temurin:21-jdk-alpine",
			FileName: "Main.java",
			Compile:  []string{"javac", "Main.java"},
			Run:      "java -Xss16m -cp . Main",
		},
	}
}

func normalizeLanguage(name string) string {
	switch lang := strings.ToLower(strings.TrimSpace(name)); lang {
	case "py", "python3":
		return "python"
	case "js", "node":
		return "javascript"
	case "golang":
		return "go"
	case "c++":
		return "cpp"
	default:
		return lang
	}
}
