package admin

import (
	"errors"
	"fmt"

	"github.com/danielgtaylor/huma/v2"
)

// ErrUnexpectedStatus is returned by the client subroutines when the API answered with a non-2xx status.
var ErrUnexpectedStatus = errors.New("unexpected response status")

//#region Huma Errors

// HErrBadIP indicates a path parameter that is not an IP address.
func HErrBadIP(ip string) error {
	return huma.Error400BadRequest("failed to parse " + ip + " as an IP address")
}

// HErrBadDuration indicates a ban duration that does not follow Go's rules for duration parsing.
func HErrBadDuration(d string) error {
	return huma.Error400BadRequest(fmt.Sprintf("failed to parse %q as a non-negative duration. Must follow Go's rules for duration parsing.", d))
}

//#endregion Huma Errors
