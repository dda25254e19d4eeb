package e2e

import (
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Flow lifecycle", func() {
	It("creates a flow, executes a request against it, and finishes it", func() {
		resp := doRequest(http.MethodPost, "/flows", map[string]any{"label": "e2e-smoke"})
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))
		var created struct {
			FlowID string `json:"flowId"`
		}
		decodeBody(resp, &created)
		Expect(created.FlowID).NotTo(BeEmpty())

		resp = doRequest(http.MethodPost, "/execute", map[string]any{
			"content": "GET " + baseURL + "/health\n",
			"flowId":  created.FlowID,
		})
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var execResp struct {
			ReqExecID string `json:"reqExecId"`
			Response  struct {
				Status int `json:"status"`
			} `json:"response"`
		}
		decodeBody(resp, &execResp)
		Expect(execResp.ReqExecID).NotTo(BeEmpty())
		Expect(execResp.Response.Status).To(Equal(http.StatusOK))

		resp = doRequest(http.MethodGet, "/flows/"+created.FlowID+"/executions/"+execResp.ReqExecID, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		resp.Body.Close()

		resp = doRequest(http.MethodPost, "/flows/"+created.FlowID+"/finish", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		resp.Body.Close()
	})
})
