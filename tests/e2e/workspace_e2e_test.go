package e2e

import (
	"bytes"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Workspace files", func() {
	It("writes, reads, lists, and deletes a workspace file", func() {
		path := "e2e-requests/smoke.http"
		req, err := http.NewRequest(http.MethodPut, baseURL+"/workspace/file?path="+path,
			bytes.NewBufferString("GET https://example.com\n"))
		Expect(err).NotTo(HaveOccurred())
		if bearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+bearerToken)
		}
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		resp.Body.Close()

		resp = doRequest(http.MethodGet, "/workspace/file?path="+path, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		resp.Body.Close()

		resp = doRequest(http.MethodGet, "/workspace/files", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var list struct {
			Files []string `json:"files"`
		}
		decodeBody(resp, &list)
		Expect(list.Files).To(ContainElement(path))

		resp = doRequest(http.MethodDelete, "/workspace/file?path="+path, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		resp.Body.Close()

		resp = doRequest(http.MethodGet, "/workspace/file?path="+path, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		resp.Body.Close()
	})

	It("rejects a path that escapes the workspace root", func() {
		resp := doRequest(http.MethodGet, "/workspace/file?path=../../etc/passwd", nil)
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
	})
})

var _ = Describe("Capabilities and config", func() {
	It("reports a protocol version and workspace root", func() {
		resp := doRequest(http.MethodGet, "/capabilities", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var caps struct {
			ProtocolVersion int `json:"protocolVersion"`
		}
		decodeBody(resp, &caps)
		Expect(caps.ProtocolVersion).To(BeNumerically(">=", 1))

		resp = doRequest(http.MethodGet, "/config", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var cfg struct {
			WorkspaceRoot string `json:"workspaceRoot"`
		}
		decodeBody(resp, &cfg)
		Expect(cfg.WorkspaceRoot).NotTo(BeEmpty())
	})
})
