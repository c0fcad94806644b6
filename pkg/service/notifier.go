package service

import (
	"github.com/zama9729/petal-hr-suite-16029-sub006/pkg/models"
)

// Logger defines the logging interface used across the service layer.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Notifier is the delivery-side collaborator the engine hands side effects
// to: notifications, task assignments, document generation and status
// pushes into domain records. Delivery infrastructure lives outside this
// module; implementations are expected to be fast and non-blocking.
type Notifier interface {
	Notify(tenantID string, node models.Node, payload models.Payload) error
	AssignTask(tenantID string, node models.Node, payload models.Payload) error
	GenerateDocument(tenantID string, node models.Node, payload models.Payload) error
	UpdateStatus(tenantID string, node models.Node, payload models.Payload) error
}

// LogNotifier is the default Notifier: it records every side effect in the
// log and succeeds. Deployments wire a real delivery client in its place.
type LogNotifier struct {
	logger Logger
}

func NewLogNotifier(logger Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(tenantID string, node models.Node, payload models.Payload) error {
	n.logger.Infof("notify [%s] node %s recipient=%s template=%s", tenantID, node.ID, node.Config.Recipient, node.Config.Template)
	return nil
}

func (n *LogNotifier) AssignTask(tenantID string, node models.Node, payload models.Payload) error {
	n.logger.Infof("assign task [%s] node %s role=%s", tenantID, node.ID, node.Config.TaskRole)
	return nil
}

func (n *LogNotifier) GenerateDocument(tenantID string, node models.Node, payload models.Payload) error {
	n.logger.Infof("generate document [%s] node %s template=%s", tenantID, node.ID, node.Config.Template)
	return nil
}

func (n *LogNotifier) UpdateStatus(tenantID string, node models.Node, payload models.Payload) error {
	n.logger.Infof("update status [%s] node %s status=%s", tenantID, node.ID, node.Config.Status)
	return nil
}
