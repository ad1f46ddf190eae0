package admin

/*
This file contains requests that can be made against an admin API from any client.
baseURL should be of the form "http://<ip>:<port>".
*/

import (
	"context"
	"fmt"
	"strings"
	"time"

	"resty.dev/v3"
)

// do issues a request with a fresh resty client, decoding the body into result on success.
func do(ctx context.Context, method, url string, body, result any) error {
	cli := resty.New()
	defer cli.Close()

	req := cli.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	res, err := req.Execute(method, url)
	if err != nil {
		return err
	} else if res.IsError() {
		return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, res.StatusCode(), strings.TrimSpace(res.String()))
	}
	return nil
}

func endpoint(baseURL, path string) string {
	return strings.TrimSuffix(baseURL, "/") + path
}

func banEndpoint(baseURL, ip string) string {
	return endpoint(baseURL, strings.Replace(EP_BAN, "{ip}", ip, 1))
}

// Status fetches the listener's status.
func Status(ctx context.Context, baseURL string) (StatusBody, error) {
	var sb StatusBody
	err := do(ctx, "GET", endpoint(baseURL, EP_STATUS), nil, &sb)
	return sb, err
}

// Connections fetches every connection the listener holds.
func Connections(ctx context.Context, baseURL string) ([]ConnectionInfo, error) {
	var resp ConnectionsResp
	err := do(ctx, "GET", endpoint(baseURL, EP_CONNECTIONS), nil, &resp.Body)
	return resp.Body.Connections, err
}

// Bans fetches the live bans.
func Bans(ctx context.Context, baseURL string) ([]BanInfo, error) {
	var resp BansResp
	err := do(ctx, "GET", endpoint(baseURL, EP_BANS), nil, &resp.Body)
	return resp.Body.Bans, err
}

// Ban bans ip for d. Non-positive durations ban forever.
func Ban(ctx context.Context, baseURL, ip string, d time.Duration, reason string) (BanInfo, error) {
	var req BanReq
	if d > 0 {
		req.Body.Duration = d.String()
	}
	req.Body.Reason = reason
	var bi BanInfo
	err := do(ctx, "PUT", banEndpoint(baseURL, ip), req.Body, &bi)
	return bi, err
}

// Unban lifts the ban on ip.
func Unban(ctx context.Context, baseURL, ip string) error {
	return do(ctx, "DELETE", banEndpoint(baseURL, ip), nil, nil)
}
