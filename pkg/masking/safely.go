package masking

import (
	"fmt"

	"github.com/henghuang/nifti"
)

// SafelyLoadImage consumes panics emitted by the nifti library, which are
// inappropriate and must be captured in order to turn them into recoverable
// errors.
func SafelyLoadImage(filename string) (parsedData nifti.Nifti1Image, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("loading %s: %v", filename, panicErr)
		}
	}()

	parsedData.LoadImage(filename, true)

	return
}
