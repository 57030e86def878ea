package step

import (
	"fmt"
	"path"
)

// Remote layout under an instance's deploy path:
//
//	<deploy>/bin/agent            extracted agent binary
//	<deploy>/config/pipeline.conf pipeline configuration
//	<deploy>/config/jvm.options   JVM options, when the process defines any
//	<deploy>/config/agent.yml     per-instance system settings
//	<deploy>/data                 agent work area
//	<deploy>/logs/agent.log       stdout/stderr of the spawned process
//	<deploy>/agent.pid            PID of the spawned process

func configDir(deploy string) string  { return path.Join(deploy, "config") }
func logsDir(deploy string) string    { return path.Join(deploy, "logs") }
func dataDir(deploy string) string    { return path.Join(deploy, "data") }
func binPath(deploy string) string    { return path.Join(deploy, "bin", "agent") }
func pidFile(deploy string) string    { return path.Join(deploy, "agent.pid") }
func logFile(deploy string) string    { return path.Join(deploy, "logs", "agent.log") }
func scriptPath(deploy string) string { return path.Join(deploy, "bin", "start.sh") }

func pipelineFile(deploy string) string { return path.Join(configDir(deploy), "pipeline.conf") }
func jvmOptionsFile(deploy string) string {
	return path.Join(configDir(deploy), "jvm.options")
}
func systemConfigFile(deploy string) string { return path.Join(configDir(deploy), "agent.yml") }

func packageFile(deploy, packageName string) string { return path.Join(deploy, packageName) }

// writeFileCommand emits a quoted heredoc so config content passes through
// the shell without expansion.
func writeFileCommand(p, content string) string {
	return fmt.Sprintf("cat > %s << 'FLOTILLA_EOF'\n%s\nFLOTILLA_EOF", p, content)
}
