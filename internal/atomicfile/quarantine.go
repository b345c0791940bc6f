package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a corrupt file into quarantineDir with a timestamped
// ".corrupt" suffix and returns its new path.
func Quarantine(quarantineDir, filePath string) (string, error) {
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(filePath), time.Now().Format("20060102T150405"))
	dest := filepath.Join(quarantineDir, name)
	if err := os.Rename(filePath, dest); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dest, nil
}

// RestoreFromBackup copies path+".bak" back over path if the backup validates.
func RestoreFromBackup(filePath string, validate Validator) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no backup file: %s", bakPath)
		}
		return fmt.Errorf("read backup: %w", err)
	}

	if validate != nil {
		if err := validate(content); err != nil {
			return fmt.Errorf("backup is also corrupted: %w", err)
		}
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// Recover quarantines a corrupt file and tries to restore it from its backup.
// restored reports whether filePath holds valid content afterwards.
func Recover(quarantineDir, filePath string, validate Validator) (restored bool, err error) {
	if _, err := Quarantine(quarantineDir, filePath); err != nil {
		return false, fmt.Errorf("quarantine failed: %w", err)
	}
	if err := RestoreFromBackup(filePath, validate); err != nil {
		return false, nil
	}
	return true, nil
}
