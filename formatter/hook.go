package formatter

import (
	"fmt"
	"path"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
)

const fallbackModuleName = "peerlink"

// ContextHook adds the source location of the log call to the entry
type ContextHook struct {
	goModuleName string
}

func NewContextHook() *ContextHook {
	hook := &ContextHook{}
	hook.goModuleName = hook.moduleName() + "/"
	return hook
}

func (hook ContextHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook ContextHook) Fire(entry *logrus.Entry) error {
	if entry.Caller == nil {
		return nil
	}
	src := hook.parseSrc(entry.Caller.File)
	entry.Data["source"] = fmt.Sprintf("%s:%v", src, entry.Caller.Line)
	return nil
}

func (hook ContextHook) moduleName() string {
	info, ok := debug.ReadBuildInfo()
	if ok && info.Main.Path != "" {
		return info.Main.Path
	}

	return fallbackModuleName
}

func (hook ContextHook) parseSrc(filePath string) string {
	parts := strings.SplitAfter(filePath, hook.goModuleName)
	if len(parts) > 1 {
		return parts[len(parts)-1]
	}

	// cloned into a directory named after the project
	parts = strings.SplitAfter(filePath, fallbackModuleName+"/")
	if len(parts) > 1 {
		return parts[len(parts)-1]
	}

	// external package, keep the last directory and the file
	_, pkg := path.Split(path.Dir(filePath))
	file := path.Base(filePath)
	return fmt.Sprintf("%s/%s", pkg, file)
}
