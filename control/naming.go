package control

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

const (
	imagePrefix = "img_"
	imageSuffix = ".jpg"
)

// nextImageName scans dir for img_NNNN.jpg files and returns the name after
// the highest number found. There is no cached counter: two controllers
// sharing a directory can pick the same name.
func nextImageName(fs afero.Fs, dir string) (string, error) {
	matches, err := afero.Glob(fs, filepath.Join(dir, imagePrefix+"*"+imageSuffix))
	if err != nil {
		return "", fmt.Errorf("fail to list %s: %w", dir, err)
	}

	last := 0
	for _, m := range matches {
		base := filepath.Base(m)
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(base, imagePrefix), imageSuffix))
		if err != nil {
			continue
		}
		last = max(last, n)
	}

	return filepath.Join(dir, fmt.Sprintf("%s%04d%s", imagePrefix, last+1, imageSuffix)), nil
}
